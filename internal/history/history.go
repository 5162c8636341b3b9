// Package history records sync and archive runs in a small SQLite database
// under the data dir. This is an operational log, not library state: the
// filesystem remains the sole source of truth about the library, and losing
// this database loses nothing but the run listing.
package history

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"icb-go/internal/config"
	"icb-go/internal/history/migrations"
	"icb-go/internal/icloud"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Run is one recorded sync or archive operation.
type Run struct {
	ID            int64
	Operation     string
	StartedAt     time.Time
	FinishedAt    sql.NullTime
	Status        string // "running", "success" or "error"
	AssetsAdded   int64
	AssetsDeleted int64
	AlbumsWritten int64
	Error         sql.NullString
}

// Store persists runs.
type Store struct {
	db    *sql.DB
	clock icloud.Clock
}

// NewStoreFromConfig opens the history database per the config type.
func NewStoreFromConfig(cfg config.HistoryConfig, dataDir string, clock icloud.Clock) (*Store, error) {
	switch cfg.Type {
	case "sqlite", "":
		return NewStore(filepath.Join(dataDir, "history.db"), clock)
	case "memory":
		return NewStore(":memory:", clock)
	default:
		return nil, fmt.Errorf("unknown history type: %s", cfg.Type)
	}
}

// NewStore opens (and migrates) the history database at path. path can be
// ":memory:" for tests.
func NewStore(path string, clock icloud.Clock) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring history database: %w", err)
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating history database: %w", err)
	}
	if clock == nil {
		clock = icloud.RealClock{}
	}
	return &Store{db: db, clock: clock}, nil
}

// StartRun records the beginning of an operation and returns its ID.
func (s *Store) StartRun(operation string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO sync_runs (operation, started_at, status) VALUES (?, ?, 'running')`,
		operation, s.clock.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("recording run start: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading run id: %w", err)
	}
	return id, nil
}

// Summary carries the counters written on completion.
type Summary struct {
	AssetsAdded   int64
	AssetsDeleted int64
	AlbumsWritten int64
}

// FinishRun closes a run record. errText empty means success.
func (s *Store) FinishRun(id int64, sum Summary, errText string) error {
	status := "success"
	var errVal any
	if errText != "" {
		status = "error"
		errVal = errText
	}
	_, err := s.db.Exec(
		`UPDATE sync_runs
		 SET finished_at = ?, status = ?, assets_added = ?, assets_deleted = ?, albums_written = ?, error = ?
		 WHERE id = ?`,
		s.clock.Now().UTC(), status, sum.AssetsAdded, sum.AssetsDeleted, sum.AlbumsWritten, errVal, id,
	)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, operation, started_at, finished_at, status,
		        assets_added, assets_deleted, albums_written, error
		 FROM sync_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Operation, &r.StartedAt, &r.FinishedAt, &r.Status,
			&r.AssetsAdded, &r.AssetsDeleted, &r.AlbumsWritten, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
