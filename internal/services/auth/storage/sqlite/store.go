// Package sqlite implements auth persistence over SQLite.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/taskpass/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/taskpass/internal/services/auth/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements storage.Store over a single SQLite file.
//
// One file backs all identity state so every auth subflow shares the same
// transaction and visibility boundaries.
type Store struct {
	sqlDB *sql.DB
}

// Open opens an auth SQLite store and applies bundled migrations.
//
// Keeping schema evolution here means callers never coordinate migrations
// independently.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}

	if err := sqlitemigrate.Apply(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// isConstraintError detects SQLite uniqueness violations.
func isConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint") || strings.Contains(value, "constraint failed")
}
