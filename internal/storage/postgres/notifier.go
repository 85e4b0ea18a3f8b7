package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying enqueued job IDs.
const NotifyChannel = "clipqueue_jobs"

const notifySQL = `SELECT pg_notify($1::text, $2::text)`

// Acquirer hands out dedicated connections for LISTEN.
type Acquirer interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
}

// Notifier implements jobs.Notifier with LISTEN/NOTIFY.
type Notifier struct {
	db    DB
	conns Acquirer
}

// NewNotifier builds a Notifier. conns may be nil for processes that only
// enqueue.
func NewNotifier(db DB, conns Acquirer) (*Notifier, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Notifier{db: db, conns: conns}, nil
}

// Notify publishes jobID on the channel.
func (n *Notifier) Notify(ctx context.Context, jobID string) error {
	if _, err := n.db.Exec(ctx, notifySQL, NotifyChannel, jobID); err != nil {
		return fmt.Errorf("send job notification: %w", err)
	}
	return nil
}

// Wait blocks until a job is enqueued or ctx ends.
func (n *Notifier) Wait(ctx context.Context) error {
	if n.conns == nil {
		<-ctx.Done()
		return fmt.Errorf("wait canceled: %w", ctx.Err())
	}
	conn, err := n.conns.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	channel := pgx.Identifier{NotifyChannel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	defer func() {
		// The wait ctx may already be done.
		_, _ = conn.Exec(context.Background(), "UNLISTEN "+channel)
	}()
	if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
		return fmt.Errorf("wait for notification: %w", err)
	}
	return nil
}
