package restore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteDriverName = "sqlite"

const schemaRestoreState = `
CREATE TABLE IF NOT EXISTS restore_state (
    unique_id TEXT PRIMARY KEY,
    target_temperature REAL,
    mode TEXT NOT NULL,
    saved_at TIMESTAMP NOT NULL
);
`

const (
	upsertRecordSQL = `
		INSERT INTO restore_state (unique_id, target_temperature, mode, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(unique_id) DO UPDATE SET
			target_temperature=excluded.target_temperature,
			mode=excluded.mode,
			saved_at=excluded.saved_at
	`

	selectRecordSQL = `
		SELECT target_temperature, mode, saved_at
		FROM restore_state WHERE unique_id=?
	`
)

// SQLiteStore persists records in a single SQLite table keyed by unique id.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and ensures the schema.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create restore directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", path, err)
	}

	// A single writer keeps SQLite happy.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaRestoreState); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply restore schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return NewSQLiteStore(db), nil
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Load returns the record for uniqueID. ok is false when nothing was saved yet.
func (s *SQLiteStore) Load(ctx context.Context, uniqueID string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, selectRecordSQL, uniqueID)

	var (
		rec    Record
		target sql.NullFloat64
	)
	if err := row.Scan(&target, &rec.Mode, &rec.SavedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("load restore state for %s: %w", uniqueID, err)
	}

	if target.Valid {
		rec.TargetTemperature = &target.Float64
	}
	rec.SavedAt = rec.SavedAt.UTC()

	return rec, true, nil
}

// Save upserts the record for uniqueID. A zero SavedAt is replaced by now.
func (s *SQLiteStore) Save(ctx context.Context, uniqueID string, rec Record) error {
	savedAt := rec.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	var target sql.NullFloat64
	if rec.TargetTemperature != nil {
		target = sql.NullFloat64{Float64: *rec.TargetTemperature, Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, upsertRecordSQL, uniqueID, target, rec.Mode, savedAt.UTC()); err != nil {
		return fmt.Errorf("save restore state for %s: %w", uniqueID, err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
