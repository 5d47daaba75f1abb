package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/autolab/pkg/actions"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend persists results, entities and cycle reports in a SQLite
// database.
type SQLiteBackend struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode so status readers do not block the writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS entities (
			key TEXT PRIMARY KEY,
			first_seen_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action_id TEXT NOT NULL,
			cycle INTEGER NOT NULL,
			kind TEXT NOT NULL,
			entity_key TEXT,
			status TEXT NOT NULL,
			metric REAL,
			metric_delta REAL NOT NULL DEFAULT 0,
			discovered TEXT,
			error TEXT,
			duration_ns INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			implementations TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_results_entity ON results(entity_key);
		CREATE INDEX IF NOT EXISTS idx_results_cycle ON results(cycle);

		CREATE TABLE IF NOT EXISTS reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			actions_planned INTEGER NOT NULL,
			actions_executed INTEGER NOT NULL,
			actions_deferred INTEGER NOT NULL,
			success_count INTEGER NOT NULL,
			failure_count INTEGER NOT NULL,
			timeout_count INTEGER NOT NULL,
			insights TEXT,
			error TEXT
		);
	`
	_, err := b.db.Exec(schema)
	return err
}

func (b *SQLiteBackend) checkOpen() error {
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *SQLiteBackend) AppendResult(ctx context.Context, result actions.Result) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	discovered, err := encodeStrings(result.Discovered)
	if err != nil {
		return err
	}
	impls, err := encodeStrings(result.Implementations)
	if err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var metric sql.NullFloat64
	if result.Metric != nil {
		metric = sql.NullFloat64{Float64: *result.Metric, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO results (action_id, cycle, kind, entity_key, status, metric, metric_delta,
			discovered, error, duration_ns, finished_at, implementations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ActionID, result.Cycle, result.Kind.String(), nullString(result.EntityKey),
		string(result.Status), metric, result.MetricDelta, discovered, nullString(result.Error),
		int64(result.Duration), toUnixNano(result.FinishedAt), impls,
	)
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}

	keys := result.Discovered
	if result.EntityKey != "" {
		keys = append([]string{result.EntityKey}, keys...)
	}
	if err := observeTx(ctx, tx, keys, result.FinishedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit result: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) ObserveEntities(ctx context.Context, keys []string, at time.Time) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := observeTx(ctx, tx, keys, at); err != nil {
		return err
	}
	return tx.Commit()
}

func observeTx(ctx context.Context, tx *sql.Tx, keys []string, at time.Time) error {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO entities (key, first_seen_at) VALUES (?, ?)`,
			key, toUnixNano(at),
		); err != nil {
			return fmt.Errorf("failed to upsert entity %s: %w", key, err)
		}
	}
	return nil
}

func (b *SQLiteBackend) LoadEntities(ctx context.Context) ([]Entity, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx, `SELECT key, first_seen_at FROM entities ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var (
			key  string
			seen int64
		)
		if err := rows.Scan(&key, &seen); err != nil {
			return nil, err
		}
		out = append(out, Entity{Key: key, FirstSeenAt: fromUnixNano(seen)})
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) LoadResults(ctx context.Context, fn func(actions.Result) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT action_id, cycle, kind, entity_key, status, metric, metric_delta,
			discovered, error, duration_ns, finished_at, implementations
		FROM results ORDER BY id`)
	if err != nil {
		return fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r          actions.Result
			kind       string
			status     string
			entityKey  sql.NullString
			metric     sql.NullFloat64
			discovered sql.NullString
			errText    sql.NullString
			duration   int64
			finished   int64
			impls      sql.NullString
		)
		if err := rows.Scan(&r.ActionID, &r.Cycle, &kind, &entityKey, &status, &metric, &r.MetricDelta,
			&discovered, &errText, &duration, &finished, &impls); err != nil {
			return err
		}

		if r.Kind, err = actions.ParseKind(kind); err != nil {
			return fmt.Errorf("result %s: %w", r.ActionID, err)
		}
		r.EntityKey = entityKey.String
		r.Status = actions.Status(status)
		if metric.Valid {
			r.Metric = actions.Float64Ptr(metric.Float64)
		}
		if r.Discovered, err = decodeStrings(discovered); err != nil {
			return err
		}
		if r.Implementations, err = decodeStrings(impls); err != nil {
			return err
		}
		r.Error = errText.String
		r.Duration = time.Duration(duration)
		r.FinishedAt = fromUnixNano(finished)

		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (b *SQLiteBackend) SaveReport(ctx context.Context, report CycleReport) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	insights, err := encodeStrings(report.Insights)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO reports (cycle, started_at, ended_at, actions_planned, actions_executed,
			actions_deferred, success_count, failure_count, timeout_count, insights, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.Cycle, toUnixNano(report.StartedAt), toUnixNano(report.EndedAt),
		report.ActionsPlanned, report.ActionsExecuted, report.ActionsDeferred,
		report.SuccessCount, report.FailureCount, report.TimeoutCount,
		insights, nullString(report.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Reports(ctx context.Context, limit int) ([]CycleReport, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	q := `SELECT cycle, started_at, ended_at, actions_planned, actions_executed, actions_deferred,
			success_count, failure_count, timeout_count, insights, error
		FROM reports ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var out []CycleReport
	for rows.Next() {
		var (
			r        CycleReport
			started  int64
			ended    int64
			insights sql.NullString
			errText  sql.NullString
		)
		if err := rows.Scan(&r.Cycle, &started, &ended, &r.ActionsPlanned, &r.ActionsExecuted,
			&r.ActionsDeferred, &r.SuccessCount, &r.FailureCount, &r.TimeoutCount, &insights, &errText); err != nil {
			return nil, err
		}
		r.StartedAt = fromUnixNano(started)
		r.EndedAt = fromUnixNano(ended)
		if r.Insights, err = decodeStrings(insights); err != nil {
			return nil, err
		}
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database connection
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeStrings(values []string) (sql.NullString, error) {
	if len(values) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode list: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeStrings(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, fmt.Errorf("failed to decode list: %w", err)
	}
	return out, nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
