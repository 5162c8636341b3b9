package testutil

import (
	"context"
	"os"
	"sync"

	"icb-go/internal/icloud"
)

// MemoryRemote is an in-memory icloud.RemoteLibrary. Content is keyed by
// fingerprint; failure injection covers the recoverable-retry paths.
type MemoryRemote struct {
	mu       sync.Mutex
	snapshot *icloud.Snapshot
	content  map[icloud.Fingerprint][]byte

	downloads int
	deleted   []string

	// FailDownload, when set, is consulted before each download with the
	// 1-based download ordinal. A non-nil result fails that download.
	FailDownload func(ordinal int) error
}

var _ icloud.RemoteLibrary = (*MemoryRemote)(nil)

// NewMemoryRemote creates an empty remote library.
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{
		snapshot: icloud.NewSnapshot(),
		content:  make(map[icloud.Fingerprint][]byte),
	}
}

// AddAsset registers an asset and its bytes.
func (m *MemoryRemote) AddAsset(a *icloud.Asset, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.AddAsset(a)
	m.content[a.Fingerprint] = content
}

// AddAlbum registers an album.
func (m *MemoryRemote) AddAlbum(al *icloud.Album) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.AddAlbum(al)
}

// RemoveAsset drops an asset, simulating remote deletion between syncs.
func (m *MemoryRemote) RemoveAsset(fp icloud.Fingerprint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshot.Assets, fp)
	delete(m.content, fp)
}

// FetchAll returns a copy of the registered snapshot.
func (m *MemoryRemote) FetchAll(_ context.Context) (*icloud.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := icloud.NewSnapshot()
	for _, a := range m.snapshot.Assets {
		copied := *a
		out.AddAsset(&copied)
	}
	for _, al := range m.snapshot.Albums {
		copied := *al
		copied.Members = append([]icloud.Fingerprint(nil), al.Members...)
		out.AddAlbum(&copied)
	}
	return out, nil
}

// DownloadAsset writes the registered bytes to destPath, honoring failure
// injection.
func (m *MemoryRemote) DownloadAsset(ctx context.Context, asset *icloud.Asset, destPath string) error {
	if err := ctx.Err(); err != nil {
		return icloud.Interrupt(err)
	}

	m.mu.Lock()
	m.downloads++
	ordinal := m.downloads
	data, ok := m.content[asset.Fingerprint]
	fail := m.FailDownload
	m.mu.Unlock()

	if fail != nil {
		if err := fail(ordinal); err != nil {
			return err
		}
	}
	if !ok {
		return icloud.Fatal(icloud.KindNetwork, "no content registered", nil).With("asset", asset.Filename)
	}
	if err := os.WriteFile(destPath, data, 0644); err != nil {
		return icloud.Fatal(icloud.KindLibrary, "writing download", err)
	}
	return nil
}

// DeleteAsset records the deletion.
func (m *MemoryRemote) DeleteAsset(_ context.Context, asset *icloud.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, asset.RecordName)
	return nil
}

// Downloads returns the number of download attempts so far.
func (m *MemoryRemote) Downloads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloads
}

// Deleted returns the record names passed to DeleteAsset.
func (m *MemoryRemote) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}
