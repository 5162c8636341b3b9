package icloud

import "sort"

// Diff is the minimal change set that takes the local library to the remote
// state, restricted to non-archived subtrees.
type Diff struct {
	// AssetsToAdd holds remote assets with no local content file.
	AssetsToAdd []*Asset

	// AssetsToKeep holds fingerprints present on both sides.
	AssetsToKeep []Fingerprint

	// AssetsToDelete holds local fingerprints with no remote counterpart and
	// no archived reference.
	AssetsToDelete []Fingerprint

	// AlbumsToWrite holds the remote albums to materialize, parents before
	// children. A matched album that differs only in membership appears here
	// too: writing an album replaces its links.
	AlbumsToWrite []*Album

	// AlbumsToDelete holds local albums to remove, children before parents.
	// A rename or move shows up as a delete of the old directory plus a
	// write of the new one.
	AlbumsToDelete []*Album

	// StrandedArchives holds archived albums whose remote parent has
	// disappeared; they are relocated under the archive holding area.
	StrandedArchives []*Album
}

// ComputeDiff reconciles a local snapshot against a remote one. Archived
// albums and their descendants are excluded from every set, and assets
// referenced by archived albums are never scheduled for deletion.
func ComputeDiff(local, remote *Snapshot) *Diff {
	d := &Diff{}
	archivedRefs := local.ArchivedMembers()

	for fp, a := range remote.Assets {
		if _, ok := local.Assets[fp]; ok {
			d.AssetsToKeep = append(d.AssetsToKeep, fp)
		} else {
			d.AssetsToAdd = append(d.AssetsToAdd, a)
		}
	}
	for fp := range local.Assets {
		if _, ok := remote.Assets[fp]; ok {
			continue
		}
		if archivedRefs[fp] {
			continue
		}
		d.AssetsToDelete = append(d.AssetsToDelete, fp)
	}

	// Remote albums blocked by a local archived node keep their local form.
	blocked := func(id string) bool {
		if al, ok := local.Albums[id]; ok && al.Kind == KindArchived {
			return true
		}
		return local.UnderArchived(id) || remoteUnderLocalArchive(remote, local, id)
	}

	for id, al := range remote.Albums {
		if blocked(id) {
			continue
		}
		d.AlbumsToWrite = append(d.AlbumsToWrite, al)
	}

	for id, al := range local.Albums {
		if al.Kind == KindArchived {
			if al.ParentID != "" {
				if _, ok := remote.Albums[al.ParentID]; !ok {
					d.StrandedArchives = append(d.StrandedArchives, al)
				}
			}
			continue
		}
		if local.UnderArchived(id) {
			continue
		}
		r, ok := remote.Albums[id]
		if ok && SafeName(r.Name) == SafeName(al.Name) && r.ParentID == al.ParentID {
			continue
		}
		d.AlbumsToDelete = append(d.AlbumsToDelete, al)
	}

	d.sort(local, remote)
	return d
}

// remoteUnderLocalArchive reports whether any ancestor of id, walking the
// remote parent map, is archived locally.
func remoteUnderLocalArchive(remote, local *Snapshot, id string) bool {
	seen := make(map[string]bool)
	for cur := id; cur != "" && !seen[cur]; {
		seen[cur] = true
		if al, ok := local.Albums[cur]; ok && al.Kind == KindArchived {
			return true
		}
		r, ok := remote.Albums[cur]
		if !ok {
			return false
		}
		cur = r.ParentID
	}
	return false
}

// sort puts every list in a deterministic, dependency-respecting order:
// writes parents-first, deletes children-first, assets by content name.
func (d *Diff) sort(local, remote *Snapshot) {
	sort.Slice(d.AssetsToAdd, func(i, j int) bool {
		return d.AssetsToAdd[i].ContentName() < d.AssetsToAdd[j].ContentName()
	})
	sortFingerprints(d.AssetsToKeep)
	sortFingerprints(d.AssetsToDelete)

	sort.Slice(d.AlbumsToWrite, func(i, j int) bool {
		di, dj := remote.Depth(d.AlbumsToWrite[i].ID), remote.Depth(d.AlbumsToWrite[j].ID)
		if di != dj {
			return di < dj
		}
		return remote.AlbumPath(d.AlbumsToWrite[i].ID) < remote.AlbumPath(d.AlbumsToWrite[j].ID)
	})
	sort.Slice(d.AlbumsToDelete, func(i, j int) bool {
		di, dj := local.Depth(d.AlbumsToDelete[i].ID), local.Depth(d.AlbumsToDelete[j].ID)
		if di != dj {
			return di > dj
		}
		return local.AlbumPath(d.AlbumsToDelete[i].ID) < local.AlbumPath(d.AlbumsToDelete[j].ID)
	})
	sort.Slice(d.StrandedArchives, func(i, j int) bool {
		return d.StrandedArchives[i].ID < d.StrandedArchives[j].ID
	})
}

func sortFingerprints(fps []Fingerprint) {
	sort.Slice(fps, func(i, j int) bool { return fps[i] < fps[j] })
}
