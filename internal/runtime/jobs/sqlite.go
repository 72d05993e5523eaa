package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists service records across restarts. Counter updates run
// in SQL rather than read-modify-write so concurrent RecordRun and Update
// calls stay consistent.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS service_configs (
	service_name     TEXT PRIMARY KEY,
	display_name     TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL DEFAULT '',
	priority         INTEGER NOT NULL DEFAULT 0,
	interval_minutes INTEGER NOT NULL DEFAULT 0,
	is_enabled       INTEGER NOT NULL DEFAULT 1,
	last_run         TIMESTAMP,
	run_count        INTEGER NOT NULL DEFAULT 0,
	error_count      INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	last_error_at    TIMESTAMP
);`

// NewSQLiteStore opens (creating if needed) the database at path and ensures
// the schema. The driver serializes writers internally, so a single
// connection suffices.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("jobs: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobs: ensure schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Seed(ctx context.Context, defaults []ServiceConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobs: seed: %w", err)
	}
	defer tx.Rollback()

	// Descriptive fields refresh on conflict; interval and enablement are
	// operator state and only set on first insert.
	const upsert = `
INSERT INTO service_configs (service_name, display_name, description, category, priority, interval_minutes, is_enabled)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(service_name) DO UPDATE SET
	display_name = excluded.display_name,
	description  = excluded.description,
	category     = excluded.category,
	priority     = excluded.priority;`

	for _, def := range defaults {
		enabled := 0
		if def.Enabled {
			enabled = 1
		}
		if _, err := tx.ExecContext(ctx, upsert,
			def.ServiceName, def.DisplayName, def.Description, def.Category,
			def.Priority, def.IntervalMinutes, enabled); err != nil {
			return fmt.Errorf("jobs: seed %s: %w", def.ServiceName, err)
		}
	}
	return tx.Commit()
}

const selectColumns = `service_name, display_name, description, category, priority,
	interval_minutes, is_enabled, last_run, run_count, error_count, last_error, last_error_at`

func (s *SQLiteStore) Get(ctx context.Context, name string) (ServiceConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM service_configs WHERE service_name = ?`, name)
	cfg, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ServiceConfig{}, ErrNotFound
	}
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("jobs: get %s: %w", name, err)
	}
	return cfg, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]ServiceConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM service_configs ORDER BY priority, service_name`)
	if err != nil {
		return nil, fmt.Errorf("jobs: list: %w", err)
	}
	defer rows.Close()

	var out []ServiceConfig
	for rows.Next() {
		cfg, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("jobs: list: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Update(ctx context.Context, name string, upd Update) (ServiceConfig, error) {
	if upd.IntervalMinutes != nil {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE service_configs SET interval_minutes = ? WHERE service_name = ?`,
			*upd.IntervalMinutes, name); err != nil {
			return ServiceConfig{}, fmt.Errorf("jobs: update %s: %w", name, err)
		}
	}
	if upd.Enabled != nil {
		enabled := 0
		if *upd.Enabled {
			enabled = 1
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE service_configs SET is_enabled = ? WHERE service_name = ?`,
			enabled, name); err != nil {
			return ServiceConfig{}, fmt.Errorf("jobs: update %s: %w", name, err)
		}
	}
	return s.Get(ctx, name)
}

func (s *SQLiteStore) RecordRun(ctx context.Context, name string, ok bool, errMsg string) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if ok {
		res, err = s.db.ExecContext(ctx, `
UPDATE service_configs SET
	run_count = run_count + 1,
	last_run = ?,
	last_error = '',
	last_error_at = NULL
WHERE service_name = ?`, now, name)
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE service_configs SET
	run_count = run_count + 1,
	error_count = error_count + 1,
	last_run = ?,
	last_error = ?,
	last_error_at = ?
WHERE service_name = ?`, now, errMsg, now, name)
	}
	if err != nil {
		return fmt.Errorf("jobs: record run %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobs: record run %s: %w", name, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (ServiceConfig, error) {
	var cfg ServiceConfig
	var enabled int
	var lastRun, lastErrorAt sql.NullTime
	err := row.Scan(&cfg.ServiceName, &cfg.DisplayName, &cfg.Description, &cfg.Category,
		&cfg.Priority, &cfg.IntervalMinutes, &enabled, &lastRun,
		&cfg.RunCount, &cfg.ErrorCount, &cfg.LastError, &lastErrorAt)
	if err != nil {
		return ServiceConfig{}, err
	}
	cfg.Enabled = enabled != 0
	if lastRun.Valid {
		t := lastRun.Time
		cfg.LastRun = &t
	}
	if lastErrorAt.Valid {
		t := lastErrorAt.Time
		cfg.LastErrorAt = &t
	}
	return cfg, nil
}
