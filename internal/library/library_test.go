package library_test

import (
	"os"
	"path/filepath"
	"testing"

	"icb-go/internal/icloud"
	"icb-go/internal/library"
	"icb-go/internal/testutil"
)

func newLibrary(t *testing.T) *library.Library {
	t.Helper()
	lib, err := library.New(t.TempDir(), icloud.NewNopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return lib
}

// writeAsset stages and commits an asset through the public API.
func writeAsset(t *testing.T, lib *library.Library, a *icloud.Asset, content []byte) {
	t.Helper()
	tmp, err := lib.StageAsset(a)
	if err != nil {
		t.Fatalf("StageAsset() error = %v", err)
	}
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		t.Fatalf("writing staged content: %v", err)
	}
	if err := lib.CommitAsset(a, tmp); err != nil {
		t.Fatalf("CommitAsset() error = %v", err)
	}
}

func TestLibrary_AssetRoundTrip(t *testing.T) {
	lib := newLibrary(t)
	content := []byte("some image bytes")
	a := testutil.MakeAsset("photo.jpg", content)

	writeAsset(t, lib, a, content)

	// The content file sits under its fingerprint name.
	path := lib.ContentPath(a)
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading committed asset: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content = %q, want %q", got, content)
	}

	// The snapshot decodes the name back to the fingerprint.
	snap, err := lib.ReadSnapshot()
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	read, ok := snap.Assets[a.Fingerprint]
	if !ok {
		t.Fatal("asset missing from snapshot")
	}
	if read.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", read.Size, len(content))
	}
}

func TestLibrary_CommitIsIdempotent(t *testing.T) {
	lib := newLibrary(t)
	content := []byte("bytes")
	a := testutil.MakeAsset("p.jpg", content)

	writeAsset(t, lib, a, content)
	writeAsset(t, lib, a, content)

	snap, err := lib.ReadSnapshot()
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if len(snap.Assets) != 1 {
		t.Errorf("assets = %d, want 1", len(snap.Assets))
	}
}

func TestLibrary_WriteAlbum(t *testing.T) {
	lib := newLibrary(t)
	content := []byte("img")
	a := testutil.MakeAsset("pic.jpg", content)
	writeAsset(t, lib, a, content)

	snap := icloud.NewSnapshot()
	snap.AddAsset(a)
	folder := &icloud.Album{ID: "f1", Name: "Trips", Kind: icloud.KindFolder}
	album := &icloud.Album{ID: "a1", Name: "Rome", ParentID: "f1", Kind: icloud.KindAlbum, Members: []icloud.Fingerprint{a.Fingerprint}}
	snap.AddAlbum(folder)
	snap.AddAlbum(album)

	if err := lib.WriteAlbum(folder, snap); err != nil {
		t.Fatalf("WriteAlbum(folder) error = %v", err)
	}
	if err := lib.WriteAlbum(album, snap); err != nil {
		t.Fatalf("WriteAlbum(album) error = %v", err)
	}

	link := filepath.Join(lib.DataDir(), "Trips", "Rome", "pic.jpg")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("Readlink() error = %v", err)
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(link), target))
	if resolved != lib.ContentPath(a) {
		t.Errorf("link resolves to %s, want %s", resolved, lib.ContentPath(a))
	}

	// Re-reading reproduces the same structure.
	read, err := lib.ReadSnapshot()
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	gotAlbum, ok := read.Albums["a1"]
	if !ok {
		t.Fatal("album missing from snapshot")
	}
	if gotAlbum.ParentID != "f1" || gotAlbum.Kind != icloud.KindAlbum || len(gotAlbum.Members) != 1 {
		t.Errorf("album = %+v, want child album of f1 with 1 member", gotAlbum)
	}
	if got := read.Albums["f1"]; got == nil || got.Kind != icloud.KindFolder {
		t.Errorf("folder = %+v, want folder kind", got)
	}
}

func TestLibrary_WriteAlbumRefreshesMembership(t *testing.T) {
	lib := newLibrary(t)
	one := []byte("one")
	two := []byte("two")
	a1 := testutil.MakeAsset("one.jpg", one)
	a2 := testutil.MakeAsset("two.jpg", two)
	writeAsset(t, lib, a1, one)
	writeAsset(t, lib, a2, two)

	snap := icloud.NewSnapshot()
	snap.AddAsset(a1)
	snap.AddAsset(a2)
	album := &icloud.Album{ID: "a1", Name: "Faves", Kind: icloud.KindAlbum, Members: []icloud.Fingerprint{a1.Fingerprint}}
	snap.AddAlbum(album)

	if err := lib.WriteAlbum(album, snap); err != nil {
		t.Fatalf("WriteAlbum() error = %v", err)
	}

	album.Members = []icloud.Fingerprint{a2.Fingerprint}
	if err := lib.WriteAlbum(album, snap); err != nil {
		t.Fatalf("second WriteAlbum() error = %v", err)
	}

	read, err := lib.ReadSnapshot()
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	members := read.Albums["a1"].Members
	if len(members) != 1 || members[0] != a2.Fingerprint {
		t.Errorf("members = %v, want only the new asset", members)
	}
}

func TestLibrary_DeleteAsset(t *testing.T) {
	t.Run("kept while referenced", func(t *testing.T) {
		lib := newLibrary(t)
		content := []byte("img")
		a := testutil.MakeAsset("pic.jpg", content)
		writeAsset(t, lib, a, content)

		snap := icloud.NewSnapshot()
		snap.AddAsset(a)
		album := &icloud.Album{ID: "a1", Name: "Keep", Kind: icloud.KindAlbum, Members: []icloud.Fingerprint{a.Fingerprint}}
		snap.AddAlbum(album)
		if err := lib.WriteAlbum(album, snap); err != nil {
			t.Fatalf("WriteAlbum() error = %v", err)
		}

		err := lib.DeleteAsset(a.Fingerprint)
		if err == nil {
			t.Fatal("DeleteAsset() expected warning while referenced")
		}
		if _, statErr := os.Stat(lib.ContentPath(a)); statErr != nil {
			t.Error("referenced asset was deleted")
		}
	})

	t.Run("removed when unreferenced", func(t *testing.T) {
		lib := newLibrary(t)
		content := []byte("img")
		a := testutil.MakeAsset("pic.jpg", content)
		writeAsset(t, lib, a, content)

		if err := lib.DeleteAsset(a.Fingerprint); err != nil {
			t.Fatalf("DeleteAsset() error = %v", err)
		}
		if _, err := os.Stat(lib.ContentPath(a)); !os.IsNotExist(err) {
			t.Error("asset file still present")
		}
	})
}

func TestLibrary_ReadSnapshotSkipsStrays(t *testing.T) {
	lib := newLibrary(t)
	contentDir := filepath.Join(lib.DataDir(), library.ContentDirName)

	// A file whose name is not a fingerprint, a leftover temp, and a
	// dangling link in an album directory.
	if err := os.WriteFile(filepath.Join(contentDir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(contentDir, ".leftover.tmp"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	albumDir := filepath.Join(lib.DataDir(), "Broken")
	if err := os.MkdirAll(albumDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(albumDir, ".uuid"), []byte("b1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(contentDir, "missing.jpg"), filepath.Join(albumDir, "gone.jpg")); err != nil {
		t.Fatal(err)
	}

	snap, err := lib.ReadSnapshot()
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if len(snap.Assets) != 0 {
		t.Errorf("assets = %d, want 0: strays must be skipped", len(snap.Assets))
	}
	if al := snap.Albums["b1"]; al == nil || len(al.Members) != 0 {
		t.Errorf("album = %+v, want empty membership", al)
	}
}

func TestLibrary_MoveStrandedArchive(t *testing.T) {
	lib := newLibrary(t)
	content := []byte("img")
	a := testutil.MakeAsset("pic.jpg", content)
	writeAsset(t, lib, a, content)

	snap := icloud.NewSnapshot()
	snap.AddAsset(a)
	album := &icloud.Album{ID: "a1", Name: "Frozen", Kind: icloud.KindAlbum, Members: []icloud.Fingerprint{a.Fingerprint}}
	snap.AddAlbum(album)
	if err := lib.WriteAlbum(album, snap); err != nil {
		t.Fatalf("WriteAlbum() error = %v", err)
	}
	archived, err := lib.ArchivePath(t.Context(), "Frozen", nil)
	if err != nil {
		t.Fatalf("ArchivePath() error = %v", err)
	}

	if err := lib.MoveStrandedArchive(archived, snap); err != nil {
		t.Fatalf("MoveStrandedArchive() error = %v", err)
	}

	moved := filepath.Join(lib.DataDir(), library.ArchiveDirName, "Frozen", "pic.jpg")
	if _, err := os.Stat(moved); err != nil {
		t.Errorf("archived content not relocated: %v", err)
	}

	// The relocated archive is still visible in the snapshot with its
	// members protected.
	read, err := lib.ReadSnapshot()
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	got, ok := read.Albums["a1"]
	if !ok || got.Kind != icloud.KindArchived {
		t.Fatalf("album = %+v, want archived", got)
	}
	if len(got.Members) != 1 || got.Members[0] != a.Fingerprint {
		t.Errorf("members = %v, want the protected fingerprint", got.Members)
	}
}
