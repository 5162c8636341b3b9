package icloud_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"icb-go/internal/icloud"
	"icb-go/internal/library"
	"icb-go/internal/testutil"
)

// setupArchiveLibrary syncs a single album of five assets, two of them
// favorites, and returns the pieces for archive tests.
func setupArchiveLibrary(t *testing.T) (*library.Library, *testutil.MemoryRemote) {
	t.Helper()
	lib := newTestLibrary(t)
	remote := testutil.NewMemoryRemote()

	album := &icloud.Album{ID: "album-arc", Name: "Wedding", Kind: icloud.KindAlbum}
	for i, name := range []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg"} {
		data := []byte("content-" + name)
		a := testutil.MakeAsset(name, data)
		a.Favorite = i < 2
		remote.AddAsset(a, data)
		album.Members = append(album.Members, a.Fingerprint)
	}
	remote.AddAlbum(album)

	engine := icloud.NewSyncEngine(testutil.NewFakeSession(), remote, lib, icloud.NewNopLogger(), nil, icloud.SyncOptions{})
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("seeding sync error = %v", err)
	}
	return lib, remote
}

func TestArchiveEngine_WithFavorites(t *testing.T) {
	lib, remote := setupArchiveLibrary(t)
	obs := testutil.NewRecordingObserver()

	engine := icloud.NewArchiveEngine(testutil.NewFakeSession(), remote, lib, icloud.NewNopLogger(), obs, true)
	if err := engine.Archive(context.Background(), "Wedding"); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	dir := filepath.Join(lib.DataDir(), "Wedding")

	// All five members are materialized as regular files.
	if len(obs.Persisted) != 5 {
		t.Errorf("persisted = %d, want 5", len(obs.Persisted))
	}
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg"} {
		info, err := os.Lstat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("Lstat(%s) error = %v", name, err)
		}
		if !info.Mode().IsRegular() {
			t.Errorf("%s is not a regular file after archive", name)
		}
		want := []byte("content-" + name)
		got, _ := os.ReadFile(filepath.Join(dir, name))
		if string(got) != string(want) {
			t.Errorf("%s content = %q, want %q", name, got, want)
		}
	}

	// The archive marker is present.
	if _, err := os.Stat(filepath.Join(dir, ".archive")); err != nil {
		t.Errorf("archive marker missing: %v", err)
	}

	// Three remote deletes issued, two favorites kept with warnings.
	if got := len(remote.Deleted()); got != 3 {
		t.Errorf("remote deletes = %d, want 3", got)
	}
	if len(obs.Favorites) != 2 {
		t.Errorf("favorite warnings = %v, want the 2 favorites", obs.Favorites)
	}
}

func TestArchiveEngine_RefusesBadTargets(t *testing.T) {
	lib, remote := setupArchiveLibrary(t)
	engine := icloud.NewArchiveEngine(testutil.NewFakeSession(), remote, lib, icloud.NewNopLogger(), nil, false)

	for _, tc := range []struct {
		name string
		path string
	}{
		{"outside the library", "../elsewhere"},
		{"the content directory", library.ContentDirName},
		{"a missing album", "Nope"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := engine.Archive(context.Background(), tc.path); err == nil {
				t.Errorf("Archive(%q) expected error", tc.path)
			}
		})
	}
}

func TestArchiveEngine_ArchivedAlbumSurvivesSync(t *testing.T) {
	lib, remote := setupArchiveLibrary(t)

	engine := icloud.NewArchiveEngine(testutil.NewFakeSession(), remote, lib, icloud.NewNopLogger(), nil, false)
	if err := engine.Archive(context.Background(), "Wedding"); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	if err := engine.Archive(context.Background(), "Wedding"); err == nil {
		t.Error("archiving twice expected error")
	}

	// The remote album vanishes entirely; a sync must leave the archived
	// bytes untouched and keep the referenced content files.
	before, err := os.ReadFile(filepath.Join(lib.DataDir(), "Wedding", "a.jpg"))
	if err != nil {
		t.Fatalf("reading archived file: %v", err)
	}

	empty := testutil.NewMemoryRemote()
	sync := icloud.NewSyncEngine(testutil.NewFakeSession(), empty, lib, icloud.NewNopLogger(), nil, icloud.SyncOptions{})
	if err := sync.Run(context.Background()); err != nil {
		t.Fatalf("sync after archive error = %v", err)
	}

	after, err := os.ReadFile(filepath.Join(lib.DataDir(), "Wedding", "a.jpg"))
	if err != nil {
		t.Fatalf("archived file missing after sync: %v", err)
	}
	if string(before) != string(after) {
		t.Error("archived content changed across sync")
	}
}
