// Package app is the application layer between the CLI and the engines.
// It constructs all dependencies from config, runs the selected operation
// variant, and manages resource lifecycles on Close.
package app

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/term"

	"icb-go/internal/auth"
	"icb-go/internal/config"
	"icb-go/internal/daemon"
	"icb-go/internal/history"
	"icb-go/internal/icloud"
	"icb-go/internal/library"
	"icb-go/internal/mfa"
	"icb-go/internal/mirror"
	"icb-go/internal/remote"
)

// App wires the configured components together for one operation.
type App struct {
	cfg *config.Config
	op  Operation

	logger  icloud.Logger
	logFile *os.File

	lib      *library.Library
	lock     *library.Lock
	session  *auth.Session
	remote   *remote.Client
	runs     *history.Store
	mirror   mirror.Mirror
	progress *progress

	locked bool
}

// NewApp creates a fully wired App from the given config.
// The caller must call Close when done.
func NewApp(cfg *config.Config, op Operation) (*App, error) {
	// A plain archive never talks to the service, so it can run without
	// credentials.
	needsAuth := op.Kind != OpArchive || cfg.RemoteDelete
	if needsAuth {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		if cfg.Password == "" {
			pw, err := promptPassword(cfg.Username)
			if err != nil {
				return nil, err
			}
			cfg.Password = pw
		}
	} else if cfg.DataDir == "" {
		return nil, fmt.Errorf("invalid configuration: data_dir must be set")
	}

	runID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, runID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	lib, err := library.New(cfg.DataDir, log)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening library: %w", err)
	}

	prog := newProgress(os.Stdout)

	store := auth.NewStore(lib.DataDir(), cfg.Session.Passphrase)
	listener := mfa.NewServer(cfg.Port, log)
	session, err := auth.NewSession(auth.Options{
		Username:   cfg.Username,
		Password:   cfg.Password,
		TrustToken: cfg.TrustToken,
	}, store, listener, log, prog)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating session: %w", err)
	}

	runs, err := history.NewStoreFromConfig(cfg.History, lib.DataDir(), icloud.RealClock{})
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening run history: %w", err)
	}

	mir, err := mirror.NewMirrorFromConfig(cfg.Mirror)
	if err != nil {
		runs.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating mirror: %w", err)
	}

	return &App{
		cfg:      cfg,
		op:       op,
		logger:   log,
		logFile:  logFile,
		lib:      lib,
		lock:     library.NewLock(lib.DataDir(), log),
		session:  session,
		remote:   remote.NewClient(session, log),
		runs:     runs,
		mirror:   mir,
		progress: prog,
	}, nil
}

// Run executes the app's operation. The context carries signal-induced
// cancellation; its expiry unwinds the engines and releases the lock.
func (a *App) Run(ctx context.Context) error {
	if a.op.NeedsLock() {
		if err := a.lock.Acquire(a.cfg.Force); err != nil {
			return err
		}
		a.locked = true
	}

	switch a.op.Kind {
	case OpToken:
		return a.runToken(ctx)
	case OpSync:
		return a.runSync(ctx)
	case OpArchive:
		return a.runArchive(ctx)
	case OpDaemon:
		return a.runDaemon(ctx)
	default:
		return fmt.Errorf("unknown operation: %s", a.op.Name())
	}
}

// runToken authenticates (driving the MFA handshake if needed) and prints
// the resulting trust token.
func (a *App) runToken(ctx context.Context) error {
	if err := a.session.Authenticate(ctx); err != nil {
		return err
	}
	fmt.Println(a.session.TrustToken())
	return nil
}

func (a *App) runSync(ctx context.Context) error {
	a.progress.reset()
	runID, err := a.runs.StartRun(a.op.Name())
	if err != nil {
		return err
	}

	engine := icloud.NewSyncEngine(a.session, a.remote, a.lib, a.logger, a.progress, icloud.SyncOptions{
		MaxRetries:      a.cfg.MaxRetries,
		DownloadThreads: a.cfg.DownloadThreads,
	})
	runErr := engine.Run(ctx)

	if runErr == nil && a.mirror != nil {
		a.mirrorAdded(ctx)
	}

	added, deleted, albums := a.progress.summary()
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	if err := a.runs.FinishRun(runID, history.Summary{
		AssetsAdded:   int64(len(added)),
		AssetsDeleted: deleted,
		AlbumsWritten: albums,
	}, errText); err != nil {
		a.logger.Warn("recording run outcome", "cause", err)
	}
	return runErr
}

// mirrorAdded replicates the assets downloaded this run. Mirror trouble is
// never a sync failure.
func (a *App) mirrorAdded(ctx context.Context) {
	added, _, _ := a.progress.summary()
	for _, asset := range added {
		f, err := os.Open(a.lib.ContentPath(asset))
		if err != nil {
			a.logger.Warn("mirror: opening asset", "asset", asset.ContentName(), "cause", err)
			continue
		}
		err = a.mirror.PutContent(ctx, asset.ContentName(), f, asset.Size)
		f.Close()
		if err != nil {
			a.logger.Warn("mirror: uploading asset", "asset", asset.ContentName(), "cause", err)
		}
	}
	if len(added) > 0 {
		a.logger.Info("mirror updated", "assets", len(added))
	}
}

func (a *App) runArchive(ctx context.Context) error {
	runID, err := a.runs.StartRun(a.op.Name())
	if err != nil {
		return err
	}

	engine := icloud.NewArchiveEngine(a.session, a.remote, a.lib, a.logger, a.progress, a.cfg.RemoteDelete)
	runErr := engine.Archive(ctx, a.op.ArchivePath)

	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	if err := a.runs.FinishRun(runID, history.Summary{}, errText); err != nil {
		a.logger.Warn("recording run outcome", "cause", err)
	}
	return runErr
}

func (a *App) runDaemon(ctx context.Context) error {
	schedule := a.op.CronExpr
	if schedule == "" {
		schedule = a.cfg.Schedule
	}
	if err := daemon.Validate(schedule); err != nil {
		return icloud.Fatal(icloud.KindSync, "invalid daemon schedule", err)
	}

	d := daemon.New(schedule, a.logger, func(runCtx context.Context) error {
		return a.runSync(runCtx)
	})
	return d.Run(ctx)
}

// Close releases the lock (if held) and closes all resources.
func (a *App) Close() error {
	var firstErr error

	if a.locked {
		if err := a.lock.Release(); err != nil {
			firstErr = err
		}
		a.locked = false
	}
	if err := a.runs.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing run history: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// promptPassword reads the account password interactively when the config
// and environment provide none. Fails when stdin is not a terminal.
func promptPassword(username string) (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("password not configured and stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", username)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(raw), nil
}
