package adapters

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/syncmesh/syncmesh/internal/config"
	"github.com/syncmesh/syncmesh/internal/core"
)

// DatabaseAdapter replicates one table from a source SQLite database into a
// target. Rows follow the records convention: an integer id, an opaque
// payload and an updated_at stamp. The upsert is a full replace, so re-running
// a sync is idempotent.
type DatabaseAdapter struct {
	provider string
	table    string
	source   *sql.DB
	target   *sql.DB
}

func NewDatabaseAdapter(p config.Provider) (core.Adapter, error) {
	if p.SourceDSN == "" || p.TargetDSN == "" {
		return nil, fmt.Errorf("provider %s: source_dsn and target_dsn required", p.ID)
	}
	table := p.Table
	if table == "" {
		table = "records"
	}
	source, err := sql.Open("sqlite", p.SourceDSN)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	target, err := sql.Open("sqlite", p.TargetDSN)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("open target: %w", err)
	}
	a := &DatabaseAdapter{provider: p.ID, table: table, source: source, target: target}
	if err := a.ensureTarget(); err != nil {
		source.Close()
		target.Close()
		return nil, err
	}
	return a, nil
}

func (a *DatabaseAdapter) ensureTarget() error {
	_, err := a.target.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         INTEGER PRIMARY KEY,
			payload    TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL DEFAULT ''
		)`, a.table))
	if err != nil {
		return fmt.Errorf("ensure target table: %w", err)
	}
	return nil
}

func (a *DatabaseAdapter) Sync(ctx context.Context) (core.Result, error) {
	res := core.Result{Provider: a.provider, StartedAt: time.Now()}

	rows, err := a.source.QueryContext(ctx,
		fmt.Sprintf("SELECT id, payload, updated_at FROM %s", a.table))
	if err != nil {
		return res, fmt.Errorf("read source: %w", err)
	}
	defer rows.Close()

	tx, err := a.target.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin target tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (id, payload, updated_at) VALUES (?, ?, ?)", a.table))
	if err != nil {
		return res, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for rows.Next() {
		var id int64
		var payload, updatedAt string
		if err := rows.Scan(&id, &payload, &updatedAt); err != nil {
			return res, fmt.Errorf("scan source row: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, id, payload, updatedAt); err != nil {
			return res, fmt.Errorf("upsert row %d: %w", id, err)
		}
		res.ItemsSynced++
	}
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("iterate source: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit target: %w", err)
	}

	res.Outcome = core.OutcomeSuccess
	res.FinishedAt = time.Now()
	return res, nil
}

func (a *DatabaseAdapter) HealthCheck(ctx context.Context) (core.Status, error) {
	st := core.Status{CheckedAt: time.Now()}
	if err := a.source.PingContext(ctx); err != nil {
		st.Detail = fmt.Sprintf("source: %v", err)
		return st, nil
	}
	if err := a.target.PingContext(ctx); err != nil {
		st.Detail = fmt.Sprintf("target: %v", err)
		return st, nil
	}
	st.Healthy = true
	return st, nil
}

// Close releases both database handles. The supervisor does not manage
// adapter lifecycles, so the caller that built the registry owns this.
func (a *DatabaseAdapter) Close() error {
	a.source.Close()
	return a.target.Close()
}
