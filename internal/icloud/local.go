package icloud

import "context"

// LocalLibrary reads, writes and validates the on-disk layout. It is the
// sole source of truth about local state: the snapshot is always recomputed
// from the filesystem, never cached in a side database.
type LocalLibrary interface {
	// ReadSnapshot walks the data directory and produces the local snapshot.
	// Stray files, dangling links and unparsable names are reported as
	// warnings and skipped.
	ReadSnapshot() (*Snapshot, error)

	// StageAsset returns a dot-prefixed temp path inside the content
	// directory for the asset body. The caller streams into it and then
	// either commits or discards it.
	StageAsset(asset *Asset) (string, error)

	// CommitAsset atomically renames a staged temp file to its final
	// fingerprint filename.
	CommitAsset(asset *Asset, tempPath string) error

	// DiscardAsset removes a staged temp file. Missing files are ignored.
	DiscardAsset(tempPath string)

	// DeleteAsset removes the content file for fp. If an album link still
	// points at it the file is kept and a warning-severity error returned.
	DeleteAsset(fp Fingerprint) error

	// WriteAlbum creates the album directory (and parents) and replaces its
	// entries with fresh symlinks into the content directory. Albums of kind
	// archived are never touched.
	WriteAlbum(album *Album, snapshot *Snapshot) error

	// DeleteAlbum removes an album directory. Directories containing an
	// archive marker are refused.
	DeleteAlbum(album *Album, snapshot *Snapshot) error

	// MoveStrandedArchive relocates an archived album whose remote parent
	// has disappeared under the top-level archive holding area.
	MoveStrandedArchive(album *Album, snapshot *Snapshot) error

	// ArchivePath freezes the album directory at relPath: members are
	// persisted as real files and the archive marker is written. Returns the
	// frozen album with its member fingerprints.
	ArchivePath(ctx context.Context, relPath string, obs ArchiveObserver) (*Album, error)
}

// Locker asserts exclusive mutation of the data directory via the library
// lock file.
type Locker interface {
	// Acquire creates the lock file holding this process's PID. If the lock
	// exists and force is false, it fails with the owning PID.
	Acquire(force bool) error

	// Release deletes the lock only if its content matches this process's
	// PID.
	Release() error
}
