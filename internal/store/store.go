// Package store archives sync results in SQLite so history survives restarts
// and outlives the in-memory ring buffers.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/syncmesh/syncmesh/internal/core"
)

// Store is a SQLite-backed archive of sync results.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open creates or opens the archive at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// Append records one finished sync attempt.
func (s *Store) Append(ctx context.Context, res core.Result) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_results
			(provider, started_at, finished_at, outcome, items_synced, items_failed, error, fault)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.Provider,
		res.StartedAt.UTC().Format(time.RFC3339Nano),
		res.FinishedAt.UTC().Format(time.RFC3339Nano),
		string(res.Outcome),
		res.ItemsSynced,
		res.ItemsFailed,
		res.Error,
		res.Fault,
	)
	if err != nil {
		return fmt.Errorf("archive result: %w", err)
	}
	return nil
}

// Recent returns the latest results for a provider, newest first.
func (s *Store) Recent(ctx context.Context, provider string, limit int) ([]core.Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, started_at, finished_at, outcome, items_synced, items_failed, error, fault
		FROM sync_results
		WHERE provider = ?
		ORDER BY id DESC
		LIMIT ?`, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []core.Result
	for rows.Next() {
		var res core.Result
		var started, finished, outcome string
		if err := rows.Scan(&res.Provider, &started, &finished, &outcome,
			&res.ItemsSynced, &res.ItemsFailed, &res.Error, &res.Fault); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		res.Outcome = core.Outcome(outcome)
		if res.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if res.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// Prune deletes results that finished before the cutoff and reports how many
// rows were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_results WHERE finished_at < ?`,
		olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
