package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

const (
	registerWorkerSQL = `
INSERT INTO worker_leases (worker_id, hostname, pid, version, status, current_job_id, started_at, last_heartbeat_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (worker_id) DO UPDATE SET
	hostname = EXCLUDED.hostname,
	pid = EXCLUDED.pid,
	version = EXCLUDED.version,
	status = EXCLUDED.status,
	current_job_id = EXCLUDED.current_job_id,
	started_at = EXCLUDED.started_at,
	last_heartbeat_at = EXCLUDED.last_heartbeat_at`

	updateWorkerSQL = `
UPDATE worker_leases SET status = $2, current_job_id = $3, last_heartbeat_at = $4
WHERE worker_id = $1`

	staleWorkersSQL = `
UPDATE worker_leases SET status = 'offline', current_job_id = NULL
WHERE status <> 'offline' AND last_heartbeat_at < $1`

	listWorkersSQL = `
SELECT worker_id, hostname, pid, version, status, current_job_id, started_at, last_heartbeat_at
FROM worker_leases
ORDER BY worker_id`
)

// LeaseStore implements jobs.LeaseStore.
type LeaseStore struct {
	db DB
}

// NewLeaseStore wraps db.
func NewLeaseStore(db DB) (*LeaseStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &LeaseStore{db: db}, nil
}

// RegisterWorker upserts a lease.
func (s *LeaseStore) RegisterWorker(ctx context.Context, l jobs.WorkerLease) error {
	_, err := s.db.Exec(ctx, registerWorkerSQL,
		l.WorkerID, l.Hostname, l.PID, l.Version, string(l.Status), nullString(l.CurrentJobID),
		l.StartedAt.UTC(), l.LastHeartbeatAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("register worker %s: %w", l.WorkerID, err)
	}
	return nil
}

// UpdateWorker sets the lease status and renews its heartbeat.
func (s *LeaseStore) UpdateWorker(ctx context.Context, workerID string, status jobs.WorkerStatus, currentJobID string, now time.Time) error {
	tag, err := s.db.Exec(ctx, updateWorkerSQL, workerID, string(status), nullString(currentJobID), now.UTC())
	if err != nil {
		return fmt.Errorf("update worker %s: %w", workerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s: %w", workerID, jobs.ErrNotFound)
	}
	return nil
}

// MarkStaleWorkersOffline flips silent leases to offline.
func (s *LeaseStore) MarkStaleWorkersOffline(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, staleWorkersSQL, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark stale workers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListWorkers returns every lease ordered by worker ID.
func (s *LeaseStore) ListWorkers(ctx context.Context) ([]jobs.WorkerLease, error) {
	rows, err := s.db.Query(ctx, listWorkersSQL)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	out := []jobs.WorkerLease{}
	for rows.Next() {
		var (
			l          jobs.WorkerLease
			currentJob *string
		)
		if err := rows.Scan(&l.WorkerID, &l.Hostname, &l.PID, &l.Version, &l.Status, &currentJob, &l.StartedAt, &l.LastHeartbeatAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		l.CurrentJobID = derefString(currentJob)
		l.StartedAt = l.StartedAt.UTC()
		l.LastHeartbeatAt = l.LastHeartbeatAt.UTC()
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return out, nil
}

var _ jobs.LeaseStore = (*LeaseStore)(nil)
