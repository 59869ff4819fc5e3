// Package audit is a per-batch SQLite event journal adapted from this
// codebase's original WAL-first EventStore: one journal per router call,
// opened fresh and closed at batch end, so the engine's no-cross-batch-
// state invariant holds even though each run leaves a journal file behind
// for post-hoc inspection.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"multiexec/internal/event"
	"multiexec/internal/infra"
)

// Journal persists one batch's structured event stream to SQLite in WAL
// mode. It implements event.Sink, so it registers on the bus exactly like
// any other subscriber. Writes are guarded by a circuit breaker: once
// enough consecutive insert failures happen (a locked or corrupt
// database file), the journal stops hammering SQLite and drops further
// events rather than blocking the hot order-execution path on disk I/O.
type Journal struct {
	db *sql.DB
	cb *infra.CircuitBreaker
}

// Open creates the journal at dbPath, or reopens an existing file there
// and keeps the rows it already holds, and prepares its schema. Mirrors the original store's pragma set:
// WAL journal mode, NORMAL synchronous, a small page cache.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: set pragma %q: %w", p, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS batch_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			name        TEXT NOT NULL,
			order_id    TEXT NOT NULL,
			symbol      TEXT NOT NULL,
			exchange_id TEXT NOT NULL,
			ts_ms       INTEGER NOT NULL,
			payload     BLOB NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create batch_events table: %w", err)
	}

	cb := infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
		Name: "audit_journal_write", FailureThreshold: 3, SuccessThreshold: 1, Timeout: 5 * time.Second,
	})

	return &Journal{db: db, cb: cb}, nil
}

// OnEvent implements event.Sink: every event emitted on the bus this
// journal is registered with is appended here, best-effort. A handful of
// retries ride infra's exponential backoff table before the write is
// given up on for this event.
func (j *Journal) OnEvent(evt event.StructuredEvent) {
	if !j.cb.Allow() {
		slog.Warn("audit: journal circuit open, dropping event", slog.String("name", string(evt.Name)))
		return
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(infra.CalculateBackoff(attempt - 1))
		}
		if err := j.insert(context.Background(), evt); err != nil {
			lastErr = err
			continue
		}
		j.cb.RecordSuccess()
		return
	}
	j.cb.RecordFailure()
	slog.Warn("audit: failed to persist event after retries", slog.String("name", string(evt.Name)), slog.Any("err", lastErr))
}

func (j *Journal) insert(ctx context.Context, evt event.StructuredEvent) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		"INSERT INTO batch_events (name, order_id, symbol, exchange_id, ts_ms, payload) VALUES (?, ?, ?, ?, ?, ?)",
		string(evt.Name), evt.OrderID, evt.Symbol, evt.ExchangeID, evt.TimestampMs, payload,
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// CountByName returns how many events of a given name the journal holds,
// used by tests to assert emission counts without re-reading the bus log.
func (j *Journal) CountByName(ctx context.Context, name event.EventName) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM batch_events WHERE name = ?", string(name)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("audit: count by name: %w", err)
	}
	return n, nil
}

// Close flushes and closes the underlying database handle. The batch that
// opened this journal is responsible for calling Close once it finishes,
// so no state survives into the next batch.
func (j *Journal) Close() error {
	return j.db.Close()
}
