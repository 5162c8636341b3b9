// Package library implements the on-disk layout of the photo library.
// The filesystem is the only state store: asset bytes live in the content
// directory under fingerprint names, album membership is expressed as
// symbolic links, and archived subtrees carry a marker file. Everything the
// sync engine knows about local state is recomputed from disk.
package library

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"icb-go/internal/icloud"
)

const (
	// ContentDirName is the unique physical home of every downloaded byte.
	ContentDirName = "_All-Photos"

	// ArchiveDirName is the holding area for archived albums that have lost
	// their remote parent.
	ArchiveDirName = "_Archive"

	// LockFileName holds the PID of the process mutating the tree.
	LockFileName = ".library.lock"

	// markerArchive marks a frozen subtree. Its lines are the fingerprint
	// stems of the frozen members.
	markerArchive = ".archive"

	// markerUUID stores the remote UUID of an album directory, so the local
	// snapshot can be matched against remote state by identifier rather than
	// by name.
	markerUUID = ".uuid"
)

// Library is the filesystem implementation of icloud.LocalLibrary.
type Library struct {
	dataDir    string
	contentDir string
	logger     icloud.Logger
}

var _ icloud.LocalLibrary = (*Library)(nil)

// New creates a Library rooted at dataDir, creating the base layout if it
// does not exist yet.
func New(dataDir string, logger icloud.Logger) (*Library, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir: %w", err)
	}
	l := &Library{
		dataDir:    abs,
		contentDir: filepath.Join(abs, ContentDirName),
		logger:     logger,
	}
	if err := os.MkdirAll(l.contentDir, 0755); err != nil {
		return nil, fmt.Errorf("creating content directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, ArchiveDirName), 0755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	return l, nil
}

// DataDir returns the absolute library root.
func (l *Library) DataDir() string { return l.dataDir }

// ContentPath returns the absolute path of an asset's content file.
func (l *Library) ContentPath(asset *icloud.Asset) string {
	return filepath.Join(l.contentDir, asset.ContentName())
}

// ReadSnapshot walks the data directory and produces the local snapshot.
// Stray files, dangling links and unparsable names are logged as warnings
// and skipped.
func (l *Library) ReadSnapshot() (*icloud.Snapshot, error) {
	snap := icloud.NewSnapshot()

	if err := l.readContentDir(snap); err != nil {
		return nil, err
	}
	if err := l.readAlbumTree(snap, l.dataDir, ""); err != nil {
		return nil, err
	}
	return snap, nil
}

func (l *Library) readContentDir(snap *icloud.Snapshot) error {
	entries, err := os.ReadDir(l.contentDir)
	if err != nil {
		return icloud.Fatal(icloud.KindLibrary, "reading content directory", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			// Leftover download temp from a crashed run.
			l.logger.Warn("stray temp file in content directory", "name", name)
			continue
		}
		if !entry.Type().IsRegular() {
			l.logger.Warn("unexpected entry in content directory", "name", name)
			continue
		}
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		fp, err := icloud.ParseFileStem(stem)
		if err != nil {
			l.logger.Warn("unparsable content filename", "name", name)
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return icloud.Fatal(icloud.KindLibrary, "stat content file", err).With("name", name)
		}
		snap.AddAsset(&icloud.Asset{
			Fingerprint: fp,
			Size:        info.Size(),
			Filename:    name,
			Modified:    info.ModTime(),
			Ext:         ext,
		})
	}
	return nil
}

// readAlbumTree recurses through the album directories. parentID is the UUID
// of the containing album, empty at the root.
func (l *Library) readAlbumTree(snap *icloud.Snapshot, dir string, parentID string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return icloud.Fatal(icloud.KindLibrary, "reading album directory", err).With("dir", dir)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if dir == l.dataDir && (name == ContentDirName || name == "log") {
			continue
		}
		path := filepath.Join(dir, name)
		if dir == l.dataDir && name == ArchiveDirName {
			// Relocated archived albums live here with no parent.
			if err := l.readAlbumTree(snap, path, ""); err != nil {
				return err
			}
			continue
		}

		id, err := readMarker(filepath.Join(path, markerUUID))
		if err != nil {
			l.logger.Warn("album directory without uuid marker", "path", path)
			continue
		}

		album := &icloud.Album{ID: id, Name: name, ParentID: parentID}

		if stems, ok, err := readArchiveMarker(filepath.Join(path, markerArchive)); err != nil {
			return err
		} else if ok {
			album.Kind = icloud.KindArchived
			album.Members = stems
			snap.AddAlbum(album)
			// Frozen subtree: nothing below it is read.
			continue
		}

		members, hasChildDirs, err := l.readAlbumEntries(snap, path)
		if err != nil {
			return err
		}
		if hasChildDirs {
			album.Kind = icloud.KindFolder
		} else {
			album.Kind = icloud.KindAlbum
			album.Members = members
		}
		snap.AddAlbum(album)

		if hasChildDirs {
			if err := l.readAlbumTree(snap, path, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// readAlbumEntries collects the member fingerprints of an album directory
// from its symlinks, validating that every link resolves inside the content
// directory.
func (l *Library) readAlbumEntries(snap *icloud.Snapshot, dir string) (members []icloud.Fingerprint, hasChildDirs bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, false, icloud.Fatal(icloud.KindLibrary, "reading album directory", err).With("dir", dir)
	}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case entry.IsDir():
			hasChildDirs = true
		case entry.Type()&os.ModeSymlink != 0:
			fp, ok := l.resolveLink(dir, name)
			if !ok {
				continue
			}
			members = append(members, fp)
			if a, found := snap.Assets[fp]; found && a.Filename == a.ContentName() {
				// First album link seen for this asset carries its original
				// remote filename.
				a.Filename = name
			}
		case name == markerUUID:
		default:
			l.logger.Warn("stray file in album directory", "dir", dir, "name", name)
		}
	}
	return members, hasChildDirs, nil
}

// resolveLink validates a membership symlink and extracts its fingerprint.
func (l *Library) resolveLink(dir, name string) (icloud.Fingerprint, bool) {
	linkPath := filepath.Join(dir, name)
	target, err := os.Readlink(linkPath)
	if err != nil {
		l.logger.Warn("unreadable symlink", "path", linkPath)
		return "", false
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(dir, target)
	}
	target = filepath.Clean(target)
	if filepath.Dir(target) != l.contentDir {
		l.logger.Warn("symlink points outside content directory", "path", linkPath, "target", target)
		return "", false
	}
	if _, err := os.Stat(target); err != nil {
		l.logger.Warn("dangling symlink", "path", linkPath)
		return "", false
	}
	base := filepath.Base(target)
	fp, err := icloud.ParseFileStem(strings.TrimSuffix(base, filepath.Ext(base)))
	if err != nil {
		l.logger.Warn("symlink target has unparsable name", "path", linkPath, "target", base)
		return "", false
	}
	return fp, true
}

// StageAsset returns a fresh dot-prefixed temp path inside the content
// directory. Temps never collide, so concurrent retries of the same asset
// are safe.
func (l *Library) StageAsset(asset *icloud.Asset) (string, error) {
	f, err := os.CreateTemp(l.contentDir, "."+asset.Fingerprint.FileStem()+".*.tmp")
	if err != nil {
		return "", icloud.Fatal(icloud.KindLibrary, "creating staging file", err)
	}
	path := f.Name()
	f.Close()
	return path, nil
}

// CommitAsset atomically renames a staged temp file to its final fingerprint
// filename. Committing an already present fingerprint discards the temp.
func (l *Library) CommitAsset(asset *icloud.Asset, tempPath string) error {
	final := l.ContentPath(asset)
	if _, err := os.Stat(final); err == nil {
		os.Remove(tempPath)
		return nil
	}
	if err := os.Rename(tempPath, final); err != nil {
		os.Remove(tempPath)
		return icloud.Fatal(icloud.KindLibrary, "committing asset", err).With("name", asset.ContentName())
	}
	return nil
}

// DiscardAsset removes a staged temp file.
func (l *Library) DiscardAsset(tempPath string) {
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("removing staging file", "path", tempPath, "cause", err)
	}
}

// DeleteAsset removes the content file for fp. The file is kept if any album
// link still points at it.
func (l *Library) DeleteAsset(fp icloud.Fingerprint) error {
	path, err := l.findContentFile(fp)
	if err != nil {
		return err
	}
	if path == "" {
		return nil
	}

	referenced, err := l.isReferenced(path)
	if err != nil {
		return err
	}
	if referenced {
		return icloud.Warn(icloud.KindLibrary, "asset still referenced by an album", nil).
			With("fingerprint", fp.FileStem())
	}

	if err := os.Remove(path); err != nil {
		return icloud.Fatal(icloud.KindLibrary, "deleting asset", err).With("path", path)
	}
	return nil
}

// findContentFile locates the content file for a fingerprint regardless of
// extension. Returns "" when no file exists.
func (l *Library) findContentFile(fp icloud.Fingerprint) (string, error) {
	stem := fp.FileStem()
	entries, err := os.ReadDir(l.contentDir)
	if err != nil {
		return "", icloud.Fatal(icloud.KindLibrary, "reading content directory", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.TrimSuffix(name, filepath.Ext(name)) == stem {
			return filepath.Join(l.contentDir, name), nil
		}
	}
	return "", nil
}

// isReferenced walks the album tree looking for a symlink resolving to
// target. Only the content directory is skipped; archived subtrees are
// walked, but hold real files, so they never count as references.
func (l *Library) isReferenced(target string) (bool, error) {
	found := false
	err := filepath.WalkDir(l.dataDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if found {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if p == l.contentDir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&os.ModeSymlink == 0 {
			return nil
		}
		dest, err := os.Readlink(p)
		if err != nil {
			return nil
		}
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(filepath.Dir(p), dest)
		}
		if filepath.Clean(dest) == target {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return false, icloud.Fatal(icloud.KindLibrary, "scanning for references", err)
	}
	return found, nil
}

// WriteAlbum creates the album directory (and parents) and replaces its
// entries with fresh symlinks into the content directory. A directory that
// carries the archive marker is left alone.
func (l *Library) WriteAlbum(album *icloud.Album, snapshot *icloud.Snapshot) error {
	if album.Kind == icloud.KindArchived {
		return nil
	}
	dir := l.albumDir(snapshot, album.ID)
	if isArchivedDir(dir) {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return icloud.Fatal(icloud.KindLibrary, "creating album directory", err).With("dir", dir)
	}
	if err := writeMarker(filepath.Join(dir, markerUUID), album.ID); err != nil {
		return err
	}
	if album.Kind != icloud.KindAlbum {
		return nil
	}

	// Drop existing links, then create one per member.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return icloud.Fatal(icloud.KindLibrary, "reading album directory", err).With("dir", dir)
	}
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink != 0 {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				return icloud.Fatal(icloud.KindLibrary, "removing stale link", err).With("dir", dir)
			}
		}
	}

	used := make(map[string]bool)
	for _, fp := range album.Members {
		asset, ok := snapshot.Assets[fp]
		if !ok {
			l.logger.Warn("album references unknown asset", "album", album.Name, "fingerprint", fp.FileStem())
			continue
		}
		name := linkName(asset, used)
		target, err := filepath.Rel(dir, filepath.Join(l.contentDir, asset.ContentName()))
		if err != nil {
			return icloud.Fatal(icloud.KindLibrary, "computing link target", err)
		}
		if err := os.Symlink(target, filepath.Join(dir, name)); err != nil {
			return icloud.Fatal(icloud.KindLibrary, "creating album link", err).With("album", album.Name).With("name", name)
		}
	}
	return nil
}

// linkName picks the album entry name for an asset, de-colliding duplicates
// of the same original filename with a fingerprint prefix.
func linkName(asset *icloud.Asset, used map[string]bool) string {
	name := icloud.SafeName(asset.Filename)
	if name == "" {
		name = asset.ContentName()
	}
	if used[name] {
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		short := asset.Fingerprint.FileStem()
		if len(short) > 8 {
			short = short[:8]
		}
		name = stem + "-" + short + ext
	}
	used[name] = true
	return name
}

// DeleteAlbum removes an album directory. Archived directories, and
// directories holding unexpected regular files, are kept with a warning.
func (l *Library) DeleteAlbum(album *icloud.Album, snapshot *icloud.Snapshot) error {
	dir := l.albumDir(snapshot, album.ID)
	if containsArchiveMarker(dir) {
		return icloud.Warn(icloud.KindLibrary, "refusing to delete directory with archived content", nil).With("dir", dir)
	}
	if err := verifyNoRegularContent(dir); err != nil {
		l.logger.Warn("refusing to delete album with regular files", "dir", dir, "cause", err)
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return icloud.Fatal(icloud.KindLibrary, "deleting album directory", err).With("dir", dir)
	}
	return nil
}

// MoveStrandedArchive relocates an archived album whose remote parent has
// disappeared under the archive holding area.
func (l *Library) MoveStrandedArchive(album *icloud.Album, snapshot *icloud.Snapshot) error {
	src := l.albumDir(snapshot, album.ID)
	if _, err := os.Stat(src); err != nil {
		return icloud.Fatal(icloud.KindLibrary, "stat archived album", err).With("dir", src)
	}
	destDir := filepath.Join(l.dataDir, ArchiveDirName)
	dest := filepath.Join(destDir, icloud.SafeName(album.Name))
	for i := 2; ; i++ {
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			break
		}
		dest = filepath.Join(destDir, fmt.Sprintf("%s-%d", icloud.SafeName(album.Name), i))
	}
	if err := os.Rename(src, dest); err != nil {
		return icloud.Fatal(icloud.KindLibrary, "relocating archived album", err).With("from", src).With("to", dest)
	}
	l.logger.Info("archived album relocated", "from", src, "to", dest)
	return nil
}

// ArchivePath freezes the album directory at relPath: every symlinked member
// is replaced by a copy of its content file, then the archive marker is
// written. Partial persistence is fatal.
func (l *Library) ArchivePath(ctx context.Context, relPath string, obs icloud.ArchiveObserver) (*icloud.Album, error) {
	if obs == nil {
		obs = icloud.NopArchiveObserver{}
	}
	dir, err := l.resolveArchiveTarget(relPath)
	if err != nil {
		return nil, err
	}

	id, err := readMarker(filepath.Join(dir, markerUUID))
	if err != nil {
		return nil, icloud.Fatal(icloud.KindArchive, "path is not an album directory", err).With("path", relPath)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, icloud.Fatal(icloud.KindArchive, "reading album directory", err).With("dir", dir)
	}

	var members []icloud.Fingerprint
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, icloud.Interrupt(err)
		}
		name := entry.Name()
		fp, ok := l.resolveLink(dir, name)
		if !ok {
			return nil, icloud.Fatal(icloud.KindArchive, "album has an unresolvable member link", nil).With("name", name)
		}
		if err := l.persistMember(dir, name); err != nil {
			return nil, err
		}
		members = append(members, fp)
		obs.AssetPersisted(fp, name)
	}

	stems := make([]string, len(members))
	for i, fp := range members {
		stems[i] = fp.FileStem()
	}
	if err := writeMarker(filepath.Join(dir, markerArchive), strings.Join(stems, "\n")); err != nil {
		return nil, err
	}

	return &icloud.Album{
		ID:      id,
		Name:    filepath.Base(dir),
		Kind:    icloud.KindArchived,
		Members: members,
	}, nil
}

// resolveArchiveTarget validates the archive target path: inside the data
// dir, not the content directory, not already archived.
func (l *Library) resolveArchiveTarget(relPath string) (string, error) {
	dir := filepath.Clean(filepath.Join(l.dataDir, relPath))
	if dir == l.dataDir || !strings.HasPrefix(dir, l.dataDir+string(filepath.Separator)) {
		return "", icloud.Fatal(icloud.KindArchive, "path is outside the library", nil).With("path", relPath)
	}
	if dir == l.contentDir || strings.HasPrefix(dir, l.contentDir+string(filepath.Separator)) {
		return "", icloud.Fatal(icloud.KindArchive, "cannot archive the content directory", nil)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", icloud.Fatal(icloud.KindArchive, "path is not an album directory", err).With("path", relPath)
	}
	if isArchivedDir(dir) {
		return "", icloud.Fatal(icloud.KindArchive, "album is already archived", nil).With("path", relPath)
	}
	return dir, nil
}

// persistMember replaces the symlink at dir/name with a copy of its target.
func (l *Library) persistMember(dir, name string) error {
	linkPath := filepath.Join(dir, name)
	target, err := os.Readlink(linkPath)
	if err != nil {
		return icloud.Fatal(icloud.KindArchive, "reading member link", err).With("name", name)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(dir, target)
	}

	src, err := os.Open(filepath.Clean(target))
	if err != nil {
		return icloud.Fatal(icloud.KindArchive, "opening member content", err).With("name", name)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return icloud.Fatal(icloud.KindArchive, "creating persistence temp", err).With("name", name)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return icloud.Fatal(icloud.KindArchive, "copying member content", err).With("name", name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return icloud.Fatal(icloud.KindArchive, "closing persistence temp", err).With("name", name)
	}

	if err := os.Remove(linkPath); err != nil {
		os.Remove(tmp.Name())
		return icloud.Fatal(icloud.KindArchive, "removing member link", err).With("name", name)
	}
	if err := os.Rename(tmp.Name(), linkPath); err != nil {
		return icloud.Fatal(icloud.KindArchive, "renaming persisted member", err).With("name", name)
	}
	return nil
}

// albumDir computes the on-disk directory of an album from its snapshot
// parent chain.
func (l *Library) albumDir(snapshot *icloud.Snapshot, id string) string {
	rel := snapshot.AlbumPath(id)
	parts := strings.Split(rel, "/")
	for i, p := range parts {
		parts[i] = icloud.SafeName(p)
	}
	return filepath.Join(append([]string{l.dataDir}, parts...)...)
}

func isArchivedDir(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, markerArchive))
	return err == nil
}

// containsArchiveMarker reports whether dir or any descendant is archived.
func containsArchiveMarker(dir string) bool {
	found := false
	filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && filepath.Base(p) == markerArchive {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// verifyNoRegularContent fails when dir holds regular files other than the
// bookkeeping markers. Album directories own no bytes, so anything else is
// unexpected.
func verifyNoRegularContent(dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Type()&os.ModeSymlink != 0 {
			return nil
		}
		base := filepath.Base(p)
		if base == markerUUID || base == markerArchive {
			return nil
		}
		return fmt.Errorf("unexpected regular file: %s", p)
	})
}

func readMarker(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readArchiveMarker reads the member fingerprints out of an archive marker.
// ok is false when the marker does not exist.
func readArchiveMarker(path string) (members []icloud.Fingerprint, ok bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, icloud.Fatal(icloud.KindLibrary, "reading archive marker", err).With("path", path)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fp, err := icloud.ParseFileStem(line)
		if err != nil {
			continue
		}
		members = append(members, fp)
	}
	return members, true, nil
}

func writeMarker(path, content string) error {
	if err := os.WriteFile(path, []byte(content+"\n"), 0644); err != nil {
		return icloud.Fatal(icloud.KindLibrary, "writing marker file", err).With("path", path)
	}
	return nil
}
