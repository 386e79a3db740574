package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/sminos/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Vacuum reclaims free pages. Run by the janitor, never on the hot path.
func (s *Store) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	return err
}

// BackupTo writes a consistent snapshot of the database to path.
func (s *Store) BackupTo(path string) error {
	_, err := s.db.Exec("VACUUM INTO ?", path)
	if err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS swarm_runs (
			id           TEXT PRIMARY KEY,
			problem_id   TEXT NOT NULL,
			pattern      TEXT NOT NULL,
			status       TEXT DEFAULT 'running',
			workers      TEXT NOT NULL,
			results      TEXT,
			best         TEXT,
			ranking      TEXT,
			events       TEXT,
			started_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_swarm_runs_started ON swarm_runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS swarm_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			swarm_id   TEXT NOT NULL,
			type       TEXT NOT NULL,
			data       TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_swarm_events_swarm ON swarm_events(swarm_id, id)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id            TEXT PRIMARY KEY,
			operation     TEXT NOT NULL,
			swarm_id      TEXT NOT NULL,
			solver        TEXT NOT NULL,
			problem_data  TEXT,
			solver_state  BLOB,
			intermediate  TEXT,
			progress      REAL DEFAULT 0,
			configuration TEXT,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_swarm ON checkpoints(swarm_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS solvers (
			id           TEXT PRIMARY KEY,
			description  TEXT,
			kind         TEXT NOT NULL,
			command      TEXT,
			args         TEXT,
			image        TEXT,
			capabilities TEXT,
			pool         TEXT,
			tuning       TEXT,
			available    INTEGER DEFAULT 1,
			last_seen    DATETIME,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS pools (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			folder     TEXT NOT NULL UNIQUE,
			is_default BOOLEAN DEFAULT FALSE,
			solvers    TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT,
			kind        TEXT NOT NULL,
			filename    TEXT,
			value       BLOB NOT NULL,
			nonce       BLOB NOT NULL,
			global      INTEGER DEFAULT 0,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS solver_secrets (
			solver_id TEXT NOT NULL,
			secret_id TEXT NOT NULL,
			PRIMARY KEY (solver_id, secret_id)
		)`,
		`CREATE TABLE IF NOT EXISTS maintenance_jobs (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			kind        TEXT NOT NULL,
			schedule    TEXT NOT NULL,
			status      TEXT DEFAULT 'active',
			next_run_at DATETIME,
			last_run_at DATETIME,
			last_status TEXT,
			last_error  TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_maintenance_next_run ON maintenance_jobs(status, next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
