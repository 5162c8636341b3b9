package icloud

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Fingerprint is the content address of an asset: the SHA-256 digest of its
// bytes, as provided by the photo service. Two assets with equal fingerprints
// are byte-identical and interchangeable.
type Fingerprint string

// FileStem returns the base64url encoding of the fingerprint, used as the
// stem of the asset's filename inside the content directory.
func (f Fingerprint) FileStem() string {
	return base64.RawURLEncoding.EncodeToString([]byte(f))
}

// ParseFileStem decodes a filename stem back into a Fingerprint.
func ParseFileStem(stem string) (Fingerprint, error) {
	raw, err := base64.RawURLEncoding.DecodeString(stem)
	if err != nil {
		return "", fmt.Errorf("decoding fingerprint stem %q: %w", stem, err)
	}
	return Fingerprint(raw), nil
}

// Asset is a single media artifact in the library.
type Asset struct {
	// RecordName is the stable identifier assigned by the photo service.
	RecordName string

	Fingerprint Fingerprint
	Size        int64

	// Filename is the original remote filename. Album entries link to the
	// content file under this name.
	Filename string

	Modified time.Time
	Favorite bool

	// Edit marks this asset as a rendered edit rather than the original.
	Edit bool

	// Ext is the filename extension including the leading dot (".jpg").
	Ext string

	// DownloadURL carries the signed URL for the asset body. Only populated
	// on remote assets, and only valid for the session that fetched it.
	DownloadURL string
}

// ContentName returns the asset's filename within the content directory:
// the encoded fingerprint plus the original extension.
func (a *Asset) ContentName() string {
	return a.Fingerprint.FileStem() + a.Ext
}

// SafeName makes an album or asset name usable as a single path element.
// Local directory names are always the safe form of the remote name, and
// name comparisons during diffing happen in the same form.
func SafeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

// AlbumKind distinguishes the three node types of the album tree.
type AlbumKind int

const (
	// KindFolder contains albums and folders, never assets.
	KindFolder AlbumKind = iota
	// KindAlbum contains assets, never albums.
	KindAlbum
	// KindArchived marks a locally frozen subtree. Archived nodes have no
	// remote counterpart and participate in no diffs.
	KindArchived
)

func (k AlbumKind) String() string {
	switch k {
	case KindFolder:
		return "folder"
	case KindAlbum:
		return "album"
	case KindArchived:
		return "archived"
	default:
		return fmt.Sprintf("AlbumKind(%d)", int(k))
	}
}

// Album is a named container in the library tree.
type Album struct {
	// ID is the stable remote UUID. Archived albums keep the UUID they had
	// when they were live.
	ID string

	Name string

	// ParentID is the UUID of the containing folder, empty for roots.
	ParentID string

	Kind AlbumKind

	// Members lists the fingerprints of the album's assets, in no particular
	// order. Empty for folders.
	Members []Fingerprint
}

// Snapshot is the complete state of a library at a point in time: assets
// keyed by fingerprint, albums keyed by UUID. Local and remote snapshots
// share this shape; diffing operates over pairs of snapshots.
type Snapshot struct {
	Assets map[Fingerprint]*Asset
	Albums map[string]*Album
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Assets: make(map[Fingerprint]*Asset),
		Albums: make(map[string]*Album),
	}
}

// AddAsset records an asset, keeping the first seen instance per fingerprint.
func (s *Snapshot) AddAsset(a *Asset) {
	if _, ok := s.Assets[a.Fingerprint]; !ok {
		s.Assets[a.Fingerprint] = a
	}
}

// AddAlbum records an album keyed by its UUID.
func (s *Snapshot) AddAlbum(al *Album) {
	s.Albums[al.ID] = al
}

// AlbumPath returns the slash-separated path of directory names from the
// library root to the given album, following parent links. Unknown parents
// terminate the walk, which also guards against cycles in malformed input.
func (s *Snapshot) AlbumPath(id string) string {
	var parts []string
	seen := make(map[string]bool)
	for cur := id; cur != "" && !seen[cur]; {
		seen[cur] = true
		al, ok := s.Albums[cur]
		if !ok {
			break
		}
		parts = append(parts, al.Name)
		cur = al.ParentID
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

// Depth returns the number of ancestors of the given album.
func (s *Snapshot) Depth(id string) int {
	depth := 0
	seen := make(map[string]bool)
	for cur := s.Albums[id]; cur != nil && cur.ParentID != "" && !seen[cur.ID]; {
		seen[cur.ID] = true
		depth++
		cur = s.Albums[cur.ParentID]
	}
	return depth
}

// UnderArchived reports whether the album or any of its ancestors is
// archived.
func (s *Snapshot) UnderArchived(id string) bool {
	seen := make(map[string]bool)
	for cur := id; cur != "" && !seen[cur]; {
		seen[cur] = true
		al, ok := s.Albums[cur]
		if !ok {
			return false
		}
		if al.Kind == KindArchived {
			return true
		}
		cur = al.ParentID
	}
	return false
}

// ArchivedMembers returns the set of fingerprints referenced by archived
// albums. Assets in this set are never deleted locally.
func (s *Snapshot) ArchivedMembers() map[Fingerprint]bool {
	out := make(map[Fingerprint]bool)
	for _, al := range s.Albums {
		if al.Kind != KindArchived {
			continue
		}
		for _, fp := range al.Members {
			out[fp] = true
		}
	}
	return out
}
