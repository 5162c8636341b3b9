package icloud

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultDownloadThreads bounds the concurrent asset downloads.
	DefaultDownloadThreads = 16
	// DefaultMaxRetries bounds the outer refresh-and-restart loop.
	DefaultMaxRetries = 3
	// defaultAssetRetries bounds integrity retries per asset.
	defaultAssetRetries = 3
)

// SyncEngine orchestrates fetch → diff → write with an outer retry loop.
type SyncEngine struct {
	session Session
	remote  RemoteLibrary
	local   LocalLibrary
	logger  Logger
	obs     SyncObserver

	maxRetries      int
	downloadThreads int
	assetRetries    int
}

// SyncOptions carries the tunables of a sync run. Zero values select the
// defaults.
type SyncOptions struct {
	MaxRetries      int
	DownloadThreads int
}

// NewSyncEngine creates a sync engine over the given ports.
func NewSyncEngine(session Session, remote RemoteLibrary, local LocalLibrary, logger Logger, obs SyncObserver, opts SyncOptions) *SyncEngine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.DownloadThreads <= 0 {
		opts.DownloadThreads = DefaultDownloadThreads
	}
	if obs == nil {
		obs = NopSyncObserver{}
	}
	return &SyncEngine{
		session:         session,
		remote:          remote,
		local:           local,
		logger:          logger,
		obs:             obs,
		maxRetries:      opts.MaxRetries,
		downloadThreads: opts.DownloadThreads,
		assetRetries:    defaultAssetRetries,
	}
}

// Run executes the sync pipeline. Recoverable failures refresh the session
// and restart from the fetch phase, up to the retry budget. Interrupts and
// fatal errors return immediately.
func (e *SyncEngine) Run(ctx context.Context) error {
	err := e.run(ctx)
	if err != nil && !IsInterrupt(err) && ctxDone(err) {
		err = Interrupt(err)
	}
	e.obs.SyncFinished(err)
	return err
}

func (e *SyncEngine) run(ctx context.Context) error {
	if err := e.session.Authenticate(ctx); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			e.obs.SyncRetrying(attempt, lastErr)
			e.logger.Warn("sync retrying", "attempt", attempt, "cause", lastErr)
			if err := e.session.Refresh(ctx); err != nil {
				return err
			}
		}

		err := e.runOnce(ctx)
		if err == nil {
			return nil
		}
		if !IsRecoverable(err) || ctxDone(err) {
			return err
		}
		lastErr = err
	}

	return Fatal(KindSync, "retry budget exhausted", lastErr).With("retries", e.maxRetries)
}

// runOnce is a single pass through the three phases.
func (e *SyncEngine) runOnce(ctx context.Context) error {
	// Phase 1: fetch-and-load, in parallel.
	var local, remote *Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		remote, err = e.remote.FetchAll(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		local, err = e.local.ReadSnapshot()
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	e.obs.SyncStarted(len(remote.Assets), len(remote.Albums), len(local.Assets), len(local.Albums))
	e.logger.Info("snapshots loaded",
		"remote_assets", len(remote.Assets), "remote_albums", len(remote.Albums),
		"local_assets", len(local.Assets), "local_albums", len(local.Albums))

	// Phase 2: diff.
	diff := ComputeDiff(local, remote)
	e.obs.DiffComputed(diff)
	e.logger.Info("diff computed",
		"add", len(diff.AssetsToAdd), "keep", len(diff.AssetsToKeep), "delete", len(diff.AssetsToDelete),
		"albums_write", len(diff.AlbumsToWrite), "albums_delete", len(diff.AlbumsToDelete))

	// Phase 3a: downloads through a bounded worker pool. The first failure
	// cancels the group context, draining in-flight downloads.
	if err := e.downloadAssets(ctx, diff.AssetsToAdd); err != nil {
		return err
	}

	// Phase 3b: albums. Stranded archives are tucked away first so their
	// directories cannot collide with incoming writes; deletions run
	// children-first, creations parents-first.
	for _, al := range diff.StrandedArchives {
		if err := e.local.MoveStrandedArchive(al, local); err != nil {
			return err
		}
	}
	for _, al := range diff.AlbumsToDelete {
		if err := e.local.DeleteAlbum(al, local); err != nil {
			var ie *Error
			if errors.As(err, &ie) && ie.Severity == SeverityWarn {
				e.logger.Warn("album kept", "album", al.Name, "cause", err)
				continue
			}
			return err
		}
	}
	for _, al := range diff.AlbumsToWrite {
		if err := e.local.WriteAlbum(al, remote); err != nil {
			return err
		}
		e.obs.AlbumWritten(al)
	}

	// Asset deletions run last so the still-referenced check sees the final
	// album membership. Adds have strictly preceded deletes by now, so a
	// rename-by-fingerprint cannot race.
	for _, fp := range diff.AssetsToDelete {
		if err := e.local.DeleteAsset(fp); err != nil {
			var ie *Error
			if errors.As(err, &ie) && ie.Severity == SeverityWarn {
				e.logger.Warn("asset kept", "fingerprint", fp.FileStem(), "cause", err)
				continue
			}
			return err
		}
		e.obs.AssetDeleted(fp)
	}

	return nil
}

// downloadAssets runs the bounded download pool over toAdd. Completion-order
// progress is emitted per asset.
func (e *SyncEngine) downloadAssets(ctx context.Context, toAdd []*Asset) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.downloadThreads)

	for _, asset := range toAdd {
		g.Go(func() error {
			err := e.downloadOne(gctx, asset)
			e.obs.AssetDownloaded(asset, err)
			return err
		})
	}
	return g.Wait()
}

// downloadOne stages, downloads and commits a single asset. Integrity
// mismatches are retried up to the per-asset budget; every other error
// propagates to the caller untouched so auth expiry can trigger the outer
// refresh.
func (e *SyncEngine) downloadOne(ctx context.Context, asset *Asset) error {
	var last error
	for try := 0; try < e.assetRetries; try++ {
		tempPath, err := e.local.StageAsset(asset)
		if err != nil {
			return err
		}

		if err := e.remote.DownloadAsset(ctx, asset, tempPath); err != nil {
			e.local.DiscardAsset(tempPath)
			var ie *Error
			if errors.As(err, &ie) && ie.Kind == KindSync && ie.Recoverable {
				last = err
				e.logger.Warn("integrity mismatch, retrying",
					"asset", asset.Filename, "try", try+1, "cause", err)
				continue
			}
			return err
		}

		return e.local.CommitAsset(asset, tempPath)
	}
	return Fatal(KindSync, "asset integrity retries exhausted", last).
		With("asset", asset.Filename).With("retries", e.assetRetries)
}

func ctxDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
