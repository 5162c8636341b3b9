package icloud_test

import (
	"testing"

	"icb-go/internal/icloud"
	"icb-go/internal/testutil"
)

func fps(assets ...*icloud.Asset) []icloud.Fingerprint {
	out := make([]icloud.Fingerprint, len(assets))
	for i, a := range assets {
		out[i] = a.Fingerprint
	}
	return out
}

func fpSet(list []icloud.Fingerprint) map[icloud.Fingerprint]bool {
	out := make(map[icloud.Fingerprint]bool, len(list))
	for _, fp := range list {
		out[fp] = true
	}
	return out
}

func TestComputeDiff_Assets(t *testing.T) {
	f1 := testutil.MakeAsset("f1.jpg", []byte("one"))
	f2 := testutil.MakeAsset("f2.jpg", []byte("two"))
	f3 := testutil.MakeAsset("f3.jpg", []byte("three"))
	f4 := testutil.MakeAsset("f4.jpg", []byte("four"))

	remote := icloud.NewSnapshot()
	for _, a := range []*icloud.Asset{f1, f2, f3} {
		remote.AddAsset(a)
	}
	local := icloud.NewSnapshot()
	for _, a := range []*icloud.Asset{f2, f3, f4} {
		local.AddAsset(a)
	}

	d := icloud.ComputeDiff(local, remote)

	if len(d.AssetsToAdd) != 1 || d.AssetsToAdd[0].Fingerprint != f1.Fingerprint {
		t.Errorf("AssetsToAdd = %v, want exactly f1", d.AssetsToAdd)
	}
	keep := fpSet(d.AssetsToKeep)
	if len(keep) != 2 || !keep[f2.Fingerprint] || !keep[f3.Fingerprint] {
		t.Errorf("AssetsToKeep = %v, want f2 and f3", d.AssetsToKeep)
	}
	if len(d.AssetsToDelete) != 1 || d.AssetsToDelete[0] != f4.Fingerprint {
		t.Errorf("AssetsToDelete = %v, want exactly f4", d.AssetsToDelete)
	}
}

func TestComputeDiff_ArchivedReferencesBlockDeletion(t *testing.T) {
	f4 := testutil.MakeAsset("f4.jpg", []byte("four"))

	local := icloud.NewSnapshot()
	local.AddAsset(f4)
	local.AddAlbum(&icloud.Album{
		ID:      "frozen",
		Name:    "Frozen",
		Kind:    icloud.KindArchived,
		Members: fps(f4),
	})
	remote := icloud.NewSnapshot()

	d := icloud.ComputeDiff(local, remote)

	if len(d.AssetsToDelete) != 0 {
		t.Errorf("AssetsToDelete = %v, want empty: f4 is referenced by an archived album", d.AssetsToDelete)
	}
	if len(d.AlbumsToDelete) != 0 {
		t.Errorf("AlbumsToDelete = %v, want empty: archived albums are never deleted", d.AlbumsToDelete)
	}
}

func TestComputeDiff_Albums(t *testing.T) {
	t.Run("rename becomes delete plus write", func(t *testing.T) {
		local := icloud.NewSnapshot()
		local.AddAlbum(&icloud.Album{ID: "a1", Name: "Holiday", Kind: icloud.KindAlbum})
		remote := icloud.NewSnapshot()
		remote.AddAlbum(&icloud.Album{ID: "a1", Name: "Holiday 2025", Kind: icloud.KindAlbum})

		d := icloud.ComputeDiff(local, remote)

		if len(d.AlbumsToDelete) != 1 || d.AlbumsToDelete[0].Name != "Holiday" {
			t.Errorf("AlbumsToDelete = %v, want the old directory", d.AlbumsToDelete)
		}
		if len(d.AlbumsToWrite) != 1 || d.AlbumsToWrite[0].Name != "Holiday 2025" {
			t.Errorf("AlbumsToWrite = %v, want the renamed album", d.AlbumsToWrite)
		}
	})

	t.Run("unchanged album is written but not deleted", func(t *testing.T) {
		local := icloud.NewSnapshot()
		local.AddAlbum(&icloud.Album{ID: "a1", Name: "Pets", Kind: icloud.KindAlbum})
		remote := icloud.NewSnapshot()
		remote.AddAlbum(&icloud.Album{ID: "a1", Name: "Pets", Kind: icloud.KindAlbum})

		d := icloud.ComputeDiff(local, remote)

		if len(d.AlbumsToDelete) != 0 {
			t.Errorf("AlbumsToDelete = %v, want empty", d.AlbumsToDelete)
		}
		if len(d.AlbumsToWrite) != 1 {
			t.Errorf("AlbumsToWrite = %v, want the album (membership refresh)", d.AlbumsToWrite)
		}
	})

	t.Run("writes are parents-first, deletes children-first", func(t *testing.T) {
		remote := icloud.NewSnapshot()
		remote.AddAlbum(&icloud.Album{ID: "folder", Name: "Trips", Kind: icloud.KindFolder})
		remote.AddAlbum(&icloud.Album{ID: "child", Name: "Rome", ParentID: "folder", Kind: icloud.KindAlbum})

		local := icloud.NewSnapshot()
		local.AddAlbum(&icloud.Album{ID: "oldfolder", Name: "Old", Kind: icloud.KindFolder})
		local.AddAlbum(&icloud.Album{ID: "oldchild", Name: "Older", ParentID: "oldfolder", Kind: icloud.KindAlbum})

		d := icloud.ComputeDiff(local, remote)

		if len(d.AlbumsToWrite) != 2 || d.AlbumsToWrite[0].ID != "folder" {
			t.Errorf("AlbumsToWrite order = %v, want parent first", d.AlbumsToWrite)
		}
		if len(d.AlbumsToDelete) != 2 || d.AlbumsToDelete[0].ID != "oldchild" {
			t.Errorf("AlbumsToDelete order = %v, want child first", d.AlbumsToDelete)
		}
	})

	t.Run("remote album under local archive is blocked", func(t *testing.T) {
		local := icloud.NewSnapshot()
		local.AddAlbum(&icloud.Album{ID: "a1", Name: "Frozen", Kind: icloud.KindArchived})
		remote := icloud.NewSnapshot()
		remote.AddAlbum(&icloud.Album{ID: "a1", Name: "Frozen", Kind: icloud.KindAlbum})
		remote.AddAlbum(&icloud.Album{ID: "a2", Name: "Inside", ParentID: "a1", Kind: icloud.KindAlbum})

		d := icloud.ComputeDiff(local, remote)

		if len(d.AlbumsToWrite) != 0 {
			t.Errorf("AlbumsToWrite = %v, want empty: archived blocks the subtree", d.AlbumsToWrite)
		}
	})

	t.Run("archived album with vanished remote parent is stranded", func(t *testing.T) {
		local := icloud.NewSnapshot()
		local.AddAlbum(&icloud.Album{ID: "gone-parent-child", Name: "Frozen", ParentID: "gone", Kind: icloud.KindArchived})
		remote := icloud.NewSnapshot()

		d := icloud.ComputeDiff(local, remote)

		if len(d.StrandedArchives) != 1 || d.StrandedArchives[0].ID != "gone-parent-child" {
			t.Errorf("StrandedArchives = %v, want the orphaned archive", d.StrandedArchives)
		}
	})
}
