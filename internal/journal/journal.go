// Package journal persists the protocol's audit events into sqlite for
// offline querying. It drains the Redis event list that every component
// appends to, so daemons keep emitting even when the journal lags.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crosslane/crosslane/internal/events"
)

const popTimeout = 5 * time.Second

// Entry is one journaled event row.
type Entry struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	OrderID    string    `json:"order_id,omitempty"`
	Payload    string    `json:"payload"`
	EmittedAt  int64     `json:"emitted_at"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Journal owns the sqlite handle.
type Journal struct {
	db  *sql.DB
	log *zap.Logger
}

func Open(path string, log *zap.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			order_id TEXT,
			payload TEXT NOT NULL,
			emitted_at INTEGER NOT NULL,
			recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}
	return &Journal{db: db, log: log}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Insert journals one envelope.
func (j *Journal) Insert(env events.Envelope) error {
	_, err := j.db.Exec(`
		INSERT INTO events (kind, order_id, payload, emitted_at)
		VALUES (?, ?, ?, ?)
	`, env.Kind, orderIDOf(env), string(env.Data), env.At)
	return err
}

// Run drains the Redis event list until the context is cancelled.
func (j *Journal) Run(ctx context.Context, rdb *redis.Client) {
	j.log.Info("journal consumer started")
	for {
		if ctx.Err() != nil {
			j.log.Info("journal consumer stopped")
			return
		}
		vals, err := rdb.BLPop(ctx, popTimeout, events.LogKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			j.log.Error("journal pop", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		// BLPOP returns [key, value].
		env, err := events.Decode(vals[1])
		if err != nil {
			j.log.Error("journal decode", zap.Error(err))
			continue
		}
		if err := j.Insert(env); err != nil {
			j.log.Error("journal insert", zap.String("kind", env.Kind), zap.Error(err))
		}
	}
}

// ByKind returns the newest entries of one kind.
func (j *Journal) ByKind(kind string, limit int) ([]Entry, error) {
	rows, err := j.db.Query(`
		SELECT id, kind, order_id, payload, emitted_at, recorded_at
		FROM events
		WHERE kind = ?
		ORDER BY id DESC
		LIMIT ?
	`, kind, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// ByOrder returns every journaled event touching one order, oldest first.
func (j *Journal) ByOrder(orderID string) ([]Entry, error) {
	rows, err := j.db.Query(`
		SELECT id, kind, order_id, payload, emitted_at, recorded_at
		FROM events
		WHERE order_id = ?
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var orderID sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &orderID, &e.Payload, &e.EmittedAt, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.OrderID = orderID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// orderIDOf extracts the order id from the event payload, if any, so
// order-scoped queries work without a per-kind schema.
func orderIDOf(env events.Envelope) string {
	var partial struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(env.Data, &partial); err != nil {
		return ""
	}
	return partial.OrderID
}
