package icloud_test

import (
	"testing"

	"icb-go/internal/icloud"
	"icb-go/internal/testutil"
)

func TestFingerprint_FileStemRoundTrip(t *testing.T) {
	a := testutil.MakeAsset("pic.jpg", []byte("raw bytes"))

	stem := a.Fingerprint.FileStem()
	got, err := icloud.ParseFileStem(stem)
	if err != nil {
		t.Fatalf("ParseFileStem() error = %v", err)
	}
	if got != a.Fingerprint {
		t.Errorf("round trip = %q, want %q", got, a.Fingerprint)
	}

	if name := a.ContentName(); name != stem+".jpg" {
		t.Errorf("ContentName() = %q, want %q", name, stem+".jpg")
	}
}

func TestParseFileStem_RejectsGarbage(t *testing.T) {
	if _, err := icloud.ParseFileStem("not/base64!"); err == nil {
		t.Error("ParseFileStem() accepted invalid input")
	}
}

func TestSnapshot_AlbumTree(t *testing.T) {
	snap := icloud.NewSnapshot()
	snap.AddAlbum(&icloud.Album{ID: "root", Name: "Trips", Kind: icloud.KindFolder})
	snap.AddAlbum(&icloud.Album{ID: "mid", Name: "2025", ParentID: "root", Kind: icloud.KindFolder})
	snap.AddAlbum(&icloud.Album{ID: "leaf", Name: "Rome", ParentID: "mid", Kind: icloud.KindAlbum})

	if got := snap.AlbumPath("leaf"); got != "Trips/2025/Rome" {
		t.Errorf("AlbumPath() = %q, want Trips/2025/Rome", got)
	}
	if got := snap.Depth("leaf"); got != 2 {
		t.Errorf("Depth() = %d, want 2", got)
	}
	if got := snap.Depth("root"); got != 0 {
		t.Errorf("Depth(root) = %d, want 0", got)
	}
}

func TestSnapshot_UnderArchived(t *testing.T) {
	snap := icloud.NewSnapshot()
	snap.AddAlbum(&icloud.Album{ID: "frozen", Name: "Old", Kind: icloud.KindArchived})
	snap.AddAlbum(&icloud.Album{ID: "child", Name: "Inside", ParentID: "frozen", Kind: icloud.KindAlbum})
	snap.AddAlbum(&icloud.Album{ID: "free", Name: "Live", Kind: icloud.KindAlbum})

	if !snap.UnderArchived("child") {
		t.Error("UnderArchived(child) = false")
	}
	if snap.UnderArchived("free") {
		t.Error("UnderArchived(free) = true")
	}
}

func TestSnapshot_AddAssetKeepsFirst(t *testing.T) {
	snap := icloud.NewSnapshot()
	a1 := testutil.MakeAsset("dup.jpg", []byte("same"))
	a2 := testutil.MakeAsset("other-name.jpg", []byte("same"))

	snap.AddAsset(a1)
	snap.AddAsset(a2)

	if len(snap.Assets) != 1 {
		t.Fatalf("assets = %d, want deduplicated to 1", len(snap.Assets))
	}
	if snap.Assets[a1.Fingerprint].Filename != "dup.jpg" {
		t.Error("first-seen asset was replaced")
	}
}
