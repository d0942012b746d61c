// Package store provides the durable feature backlog for AutoForge using
// SQLite. Features are partitioned by project: identifiers, priorities, and
// claim serialization are all scoped to a single project, and no operation
// spans partitions.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Xaheen-ai/autoforge/internal/logging"
)

const (
	// txAttempts bounds the retry loop for transactions that abort with
	// SQLITE_BUSY. Allocation and claim sequences are read-then-write and
	// safe to retry from the top.
	txAttempts = 5

	// txBackoff is the initial delay between transaction retries; it doubles
	// on each attempt.
	txBackoff = 10 * time.Millisecond
)

// Store provides persistent storage for the feature backlog using SQLite.
// It handles database migrations automatically on initialization and is safe
// for concurrent use.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore creates a new Store with a SQLite database at the given data path.
// It creates the data directory if it does not exist and runs migrations.
// Returns an error if the database cannot be opened or migrations fail.
func NewStore(dataPath string) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataPath, "autoforge.db")
	// _txlock=immediate makes BeginTx take the write lock up front so
	// concurrent allocators serialize instead of deadlocking at commit.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		db:   db,
		path: dataPath,
	}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate creates necessary tables
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS features (
			project_id TEXT NOT NULL,
			feature_id INTEGER NOT NULL,
			priority INTEGER NOT NULL,
			category TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			steps TEXT,
			dependencies TEXT,
			passes BOOLEAN NOT NULL DEFAULT FALSE,
			in_progress BOOLEAN NOT NULL DEFAULT FALSE,
			claimed_by TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (project_id, feature_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_features_priority ON features(project_id, priority)`,
		`CREATE TABLE IF NOT EXISTS feature_sequences (
			project_id TEXT PRIMARY KEY,
			last_feature_id INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL,
			start_time TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL,
			days_of_week TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			yolo_mode BOOLEAN NOT NULL DEFAULT FALSE,
			max_concurrency INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_project ON schedules(project_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the data directory backing this store.
func (s *Store) Path() string {
	return s.path
}

// withTx runs fn inside a write transaction, retrying with bounded
// exponential backoff when SQLite reports the database as busy. Errors from
// fn other than busy abort immediately; the transaction never partially
// commits.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	backoff := txBackoff
	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		err = s.runTx(fn)
		if err == nil || !isBusy(err) {
			return err
		}
		logging.WithComponent("store").Debug("store transaction busy, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff))
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", txAttempts, err)
}

func (s *Store) runTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isBusy reports whether err is a transient SQLITE_BUSY/LOCKED failure.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
