package app

import (
	"fmt"
	"io"
	"sync"

	"icb-go/internal/icloud"
)

// progress is the observer wired into the engines: it renders one line per
// event for the terminal and keeps the counters recorded in the run history.
// Download callbacks arrive from pool workers, so everything is mutex
// guarded.
type progress struct {
	mu  sync.Mutex
	out io.Writer

	added     []*icloud.Asset
	deleted   int64
	albums    int64
	persisted int64
}

var (
	_ icloud.AuthObserver    = (*progress)(nil)
	_ icloud.SyncObserver    = (*progress)(nil)
	_ icloud.ArchiveObserver = (*progress)(nil)
)

func newProgress(out io.Writer) *progress {
	return &progress{out: out}
}

func (p *progress) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

// AuthObserver

func (p *progress) AuthStateChanged(_, to icloud.AuthState) {
	p.printf("auth: %s", to)
}

func (p *progress) MFAPrompt(phones []icloud.TrustedPhone) {
	p.printf("MFA code required. Submit it with: POST /mfa?code=DDDDDD")
	for _, ph := range phones {
		p.printf("  resend via phone %d: %s", ph.ID, ph.Number)
	}
}

func (p *progress) TrustTokenSaved() {
	p.printf("trust token saved")
}

// SyncObserver

func (p *progress) SyncStarted(remoteAssets, remoteAlbums, localAssets, localAlbums int) {
	p.printf("remote: %d assets in %d albums; local: %d assets in %d albums",
		remoteAssets, remoteAlbums, localAssets, localAlbums)
}

func (p *progress) DiffComputed(d *icloud.Diff) {
	p.printf("plan: %d to download, %d to keep, %d to delete",
		len(d.AssetsToAdd), len(d.AssetsToKeep), len(d.AssetsToDelete))
}

func (p *progress) AssetDownloaded(asset *icloud.Asset, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		fmt.Fprintf(p.out, "  failed %s: %v\n", asset.Filename, err)
		return
	}
	p.added = append(p.added, asset)
	fmt.Fprintf(p.out, "  downloaded %s (%d so far)\n", asset.Filename, len(p.added))
}

func (p *progress) AssetDeleted(fp icloud.Fingerprint) {
	p.mu.Lock()
	p.deleted++
	p.mu.Unlock()
}

func (p *progress) AlbumWritten(album *icloud.Album) {
	p.mu.Lock()
	p.albums++
	p.mu.Unlock()
}

func (p *progress) SyncRetrying(attempt int, err error) {
	p.printf("recoverable failure, retrying (attempt %d): %v", attempt, err)
}

func (p *progress) SyncFinished(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		fmt.Fprintf(p.out, "sync failed: %v\n", err)
		return
	}
	fmt.Fprintf(p.out, "sync complete: %d downloaded, %d deleted, %d albums written\n",
		len(p.added), p.deleted, p.albums)
}

// ArchiveObserver

func (p *progress) AssetPersisted(_ icloud.Fingerprint, name string) {
	p.mu.Lock()
	p.persisted++
	p.mu.Unlock()
	p.printf("  persisted %s", name)
}

func (p *progress) FavoriteKept(asset *icloud.Asset) {
	p.printf("  favorite kept remotely: %s", asset.Filename)
}

func (p *progress) Archived(path string) {
	p.printf("archived %s", path)
}

// reset clears the counters between scheduled runs.
func (p *progress) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = nil
	p.deleted = 0
	p.albums = 0
	p.persisted = 0
}

// summary snapshots the counters for the run history.
func (p *progress) summary() (added []*icloud.Asset, deleted, albums int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*icloud.Asset(nil), p.added...), p.deleted, p.albums
}
