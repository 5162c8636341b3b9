package icloud

import "context"

// ArchiveEngine freezes a local subtree so future syncs ignore it, and
// optionally deletes the corresponding non-favorite remote originals.
type ArchiveEngine struct {
	session Session
	remote  RemoteLibrary
	local   LocalLibrary
	logger  Logger
	obs     ArchiveObserver

	remoteDelete bool
}

// NewArchiveEngine creates an archive engine. remoteDelete enables the
// upstream deletion step.
func NewArchiveEngine(session Session, remote RemoteLibrary, local LocalLibrary, logger Logger, obs ArchiveObserver, remoteDelete bool) *ArchiveEngine {
	if obs == nil {
		obs = NopArchiveObserver{}
	}
	return &ArchiveEngine{
		session:      session,
		remote:       remote,
		local:        local,
		logger:       logger,
		obs:          obs,
		remoteDelete: remoteDelete,
	}
}

// Archive freezes the album at relPath (relative to the data dir). The local
// persistence step is fatal on partial failure; remote deletion failures are
// reported but never reverse the freeze.
func (e *ArchiveEngine) Archive(ctx context.Context, relPath string) error {
	album, err := e.local.ArchivePath(ctx, relPath, e.obs)
	if err != nil {
		return err
	}
	e.obs.Archived(relPath)
	e.logger.Info("album archived", "path", relPath, "members", len(album.Members))

	if !e.remoteDelete {
		return nil
	}
	return e.deleteRemote(ctx, album)
}

// deleteRemote tombstones the remote originals of the frozen members.
// Favorites are never deleted and are surfaced as warnings.
func (e *ArchiveEngine) deleteRemote(ctx context.Context, album *Album) error {
	if err := e.session.Authenticate(ctx); err != nil {
		return err
	}

	snapshot, err := e.remote.FetchAll(ctx)
	if err != nil {
		e.logger.Warn("remote delete skipped: fetching remote state failed", "cause", err)
		return nil
	}

	for _, fp := range album.Members {
		asset, ok := snapshot.Assets[fp]
		if !ok {
			e.logger.Warn("no remote original for archived asset", "fingerprint", fp.FileStem())
			continue
		}
		if asset.Favorite {
			e.obs.FavoriteKept(asset)
			e.logger.Warn("favorite kept remotely", "asset", asset.Filename)
			continue
		}
		if err := e.remote.DeleteAsset(ctx, asset); err != nil {
			if IsInterrupt(err) || ctxDone(err) {
				return err
			}
			e.logger.Warn("remote delete failed", "asset", asset.Filename, "cause", err)
		}
	}
	return nil
}
