package queue

// pgqueue.go implements Publisher over Postgres. Messages land in the
// queue_messages table inside the same database the Import records live in,
// and pg_notify wakes any listening worker. A crashed worker replays
// unconsumed rows on restart, which gives the at-least-once contract without
// a separate broker.

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the publisher needs. Satisfied by both
// *pgxpool.Pool and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgPublisher publishes queue messages through Postgres.
type PgPublisher struct {
	db DB
}

// NewPgPublisher creates a Publisher backed by the given database.
func NewPgPublisher(db DB) *PgPublisher {
	return &PgPublisher{db: db}
}

// Publish inserts the message and notifies listeners on the queue's channel.
func (p *PgPublisher) Publish(ctx context.Context, queue string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}

	var id int64
	err = p.db.QueryRow(ctx,
		`INSERT INTO queue_messages (queue, payload) VALUES ($1, $2) RETURNING id`,
		queue, payload,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert queue message: %w", err)
	}

	// Notification is best-effort wakeup; the row itself is the message
	if _, err := p.db.Exec(ctx, `SELECT pg_notify($1, $2::text)`, queue, id); err != nil {
		return fmt.Errorf("notify queue %q: %w", queue, err)
	}

	return nil
}

// ApproxPendingCount counts unconsumed messages on the queue.
func (p *PgPublisher) ApproxPendingCount(ctx context.Context, queue string) (int64, error) {
	var count int64
	err := p.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_messages WHERE queue = $1 AND consumed_at IS NULL`,
		queue,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending messages: %w", err)
	}
	return count, nil
}
