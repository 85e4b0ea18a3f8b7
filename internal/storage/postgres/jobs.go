package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

// StaleRequeueMessage is recorded on jobs reclaimed from a silent worker.
const StaleRequeueMessage = "requeued after stale heartbeat"

// reaperLockKey serializes ReclaimStale across processes.
const reaperLockKey int64 = 0x636c6970

var jobColumnNames = []string{
	"id", "type", "name", "status", "params", "worker_id",
	"created_at", "started_at", "completed_at", "last_heartbeat_at",
	"progress_current", "progress_total",
	"processed", "success_count", "failure_count", "skipped_count", "error_count",
	"error_message",
}

func jobColumns(prefix string) string {
	if prefix == "" {
		return strings.Join(jobColumnNames, ", ")
	}
	cols := make([]string, len(jobColumnNames))
	for i, c := range jobColumnNames {
		cols[i] = prefix + "." + c
	}
	return strings.Join(cols, ", ")
}

var (
	claimNextSQL = `
WITH next AS (
	SELECT id FROM jobs
	WHERE status = 'queued'
	   OR (status = 'cancelled' AND worker_id IS NULL AND completed_at IS NULL)
	ORDER BY created_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE jobs j SET
	worker_id = $1,
	last_heartbeat_at = $2,
	started_at = CASE WHEN j.status = 'queued' THEN $2 ELSE j.started_at END,
	error_message = CASE WHEN j.status = 'queued' THEN '' ELSE j.error_message END,
	status = CASE WHEN j.status = 'queued' THEN 'running' ELSE j.status END
FROM next
WHERE j.id = next.id
RETURNING ` + jobColumns("j")

	enqueueSQL = `
INSERT INTO jobs (id, type, name, status, params, created_at)
VALUES ($1, $2, $3, 'queued', $4, $5)
RETURNING ` + jobColumns("")

	getJobSQL = `SELECT ` + jobColumns("") + ` FROM jobs WHERE id = $1`

	listJobsSQL = `SELECT ` + jobColumns("") + ` FROM jobs
WHERE ($1::text IS NULL OR status = $1)
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`

	cancelSQL = `
UPDATE jobs SET status = 'cancelled'
WHERE id = $1 AND status IN ('queued', 'running', 'cancelled')
RETURNING ` + jobColumns("")
)

const (
	heartbeatSQL = `
UPDATE jobs SET last_heartbeat_at = CASE
	WHEN completed_at IS NULL AND status IN ('running', 'cancelled') THEN $3
	ELSE last_heartbeat_at END
WHERE id = $1 AND worker_id = $2
RETURNING status`

	ownershipSQL = `SELECT status, worker_id, completed_at FROM jobs WHERE id = $1`

	setTotalSQL = `UPDATE jobs SET progress_total = $3 WHERE id = $1 AND worker_id = $2`

	progressSQL = `
UPDATE jobs SET
	progress_current = LEAST($3, COALESCE(progress_total, $3)),
	processed = $4, success_count = $5, failure_count = $6, skipped_count = $7, error_count = $8,
	last_heartbeat_at = $9
WHERE id = $1 AND worker_id = $2 AND status = 'running'
RETURNING status`

	finalizeSQL = `
UPDATE jobs SET
	status = CASE WHEN status = 'cancelled' THEN 'cancelled' ELSE $3 END,
	processed = $4, success_count = $5, failure_count = $6, skipped_count = $7, error_count = $8,
	error_message = $9,
	completed_at = $10,
	progress_current = LEAST(progress_current, COALESCE(progress_total, progress_current))
WHERE id = $1 AND worker_id = $2 AND completed_at IS NULL
RETURNING status`

	requeueSQL = `
UPDATE jobs SET status = 'queued', worker_id = NULL, last_heartbeat_at = NULL, error_message = $3
WHERE id = $1 AND worker_id = $2 AND status = 'running'`

	reaperLockSQL = `SELECT pg_try_advisory_xact_lock($1)`

	reclaimRunningSQL = `
UPDATE jobs SET status = 'queued', worker_id = NULL, last_heartbeat_at = NULL, error_message = $2
WHERE status = 'running' AND COALESCE(last_heartbeat_at, started_at) < $1
RETURNING id`

	reclaimCancelledSQL = `
UPDATE jobs SET completed_at = $2
WHERE status = 'cancelled' AND completed_at IS NULL AND worker_id IS NOT NULL
  AND COALESCE(last_heartbeat_at, started_at) < $1
RETURNING id`
)

// JobStore implements jobs.Store on Postgres. Every transition is a single
// conditional UPDATE.
type JobStore struct {
	db DB
}

// NewJobStore wraps db.
func NewJobStore(db DB) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{db: db}, nil
}

func scanJob(row pgx.Row) (jobs.Job, error) {
	var (
		job      jobs.Job
		params   []byte
		workerID *string
	)
	err := row.Scan(
		&job.ID, &job.Type, &job.Name, &job.Status, &params, &workerID,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.LastHeartbeatAt,
		&job.ProgressCurrent, &job.ProgressTotal,
		&job.Counters.Processed, &job.Counters.Succeeded, &job.Counters.Failed,
		&job.Counters.Skipped, &job.Counters.Errors,
		&job.ErrorMessage,
	)
	if err != nil {
		return jobs.Job{}, err
	}
	job.Params = params
	job.WorkerID = derefString(workerID)
	job.CreatedAt = job.CreatedAt.UTC()
	job.StartedAt = utcPtr(job.StartedAt)
	job.CompletedAt = utcPtr(job.CompletedAt)
	job.LastHeartbeatAt = utcPtr(job.LastHeartbeatAt)
	return job, nil
}

// Enqueue inserts a queued job.
func (s *JobStore) Enqueue(ctx context.Context, nj jobs.NewJob) (jobs.Job, error) {
	params := []byte(nj.Params)
	if len(params) == 0 {
		params = []byte(`{}`)
	}
	job, err := scanJob(s.db.QueryRow(ctx, enqueueSQL, nj.ID, string(nj.Type), nj.Name, params, nj.CreatedAt.UTC()))
	if err != nil {
		if isUniqueViolation(err) {
			return jobs.Job{}, fmt.Errorf("enqueue: job %s already exists", nj.ID)
		}
		return jobs.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// ClaimNext locks and binds the oldest claimable job with SKIP LOCKED so
// concurrent claimers never receive the same row.
func (s *JobStore) ClaimNext(ctx context.Context, workerID string, now time.Time) (jobs.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, claimNextSQL, workerID, now.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, jobs.ErrNoJobs
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// ownership explains why a conditional update touched no row.
func (s *JobStore) ownership(ctx context.Context, jobID, workerID string) (jobs.Status, *time.Time, error) {
	var (
		status      jobs.Status
		owner       *string
		completedAt *time.Time
	)
	err := s.db.QueryRow(ctx, ownershipSQL, jobID).Scan(&status, &owner, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, jobs.ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if derefString(owner) != workerID {
		return status, completedAt, jobs.ErrLeaseLost
	}
	return status, completedAt, nil
}

// Heartbeat renews a held job and reports its status.
func (s *JobStore) Heartbeat(ctx context.Context, jobID, workerID string, now time.Time) (jobs.Status, error) {
	var status jobs.Status
	err := s.db.QueryRow(ctx, heartbeatSQL, jobID, workerID, now.UTC()).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		status, _, err = s.ownership(ctx, jobID, workerID)
		if err == nil {
			err = jobs.ErrLeaseLost
		}
		return status, err
	}
	if err != nil {
		return "", fmt.Errorf("heartbeat job %s: %w", jobID, err)
	}
	return status, nil
}

// SetProgressTotal records the entity count of a held job.
func (s *JobStore) SetProgressTotal(ctx context.Context, jobID, workerID string, total int) error {
	tag, err := s.db.Exec(ctx, setTotalSQL, jobID, workerID, total)
	if err != nil {
		return fmt.Errorf("set progress total %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		_, _, err := s.ownership(ctx, jobID, workerID)
		if err == nil {
			err = jobs.ErrLeaseLost
		}
		return err
	}
	return nil
}

// UpdateProgress writes progress only while the job is running under
// workerID.
func (s *JobStore) UpdateProgress(ctx context.Context, u jobs.ProgressUpdate) (jobs.Status, error) {
	c := u.Counters
	var status jobs.Status
	err := s.db.QueryRow(ctx, progressSQL,
		u.JobID, u.WorkerID, u.Current,
		c.Processed, c.Succeeded, c.Failed, c.Skipped, c.Errors,
		u.At.UTC(),
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		status, _, err = s.ownership(ctx, u.JobID, u.WorkerID)
		return status, err
	}
	if err != nil {
		return "", fmt.Errorf("update progress %s: %w", u.JobID, err)
	}
	return status, nil
}

// RequestCancel flags a queued or running job as cancelled.
func (s *JobStore) RequestCancel(ctx context.Context, jobID string) (jobs.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, cancelSQL, jobID))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	job, err = s.GetJob(ctx, jobID)
	if err != nil {
		return jobs.Job{}, err
	}
	return job, jobs.ErrTerminal
}

// Finalize performs the terminal transition once.
func (s *JobStore) Finalize(ctx context.Context, fin jobs.Finalization) (jobs.Status, error) {
	if !fin.Status.Terminal() {
		return "", fmt.Errorf("finalize: %q is not a terminal status", fin.Status)
	}
	c := fin.Counters
	var status jobs.Status
	err := s.db.QueryRow(ctx, finalizeSQL,
		fin.JobID, fin.WorkerID, string(fin.Status),
		c.Processed, c.Succeeded, c.Failed, c.Skipped, c.Errors,
		fin.ErrorMessage, fin.At.UTC(),
	).Scan(&status)
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("finalize job %s: %w", fin.JobID, err)
	}
	status, completedAt, err := s.ownership(ctx, fin.JobID, fin.WorkerID)
	if completedAt != nil {
		return status, nil
	}
	if err == nil {
		err = jobs.ErrLeaseLost
	}
	return status, err
}

// Requeue hands a running job back to the queue.
func (s *JobStore) Requeue(ctx context.Context, jobID, workerID, reason string) (bool, error) {
	tag, err := s.db.Exec(ctx, requeueSQL, jobID, workerID, reason)
	if err != nil {
		return false, fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, _, err := s.ownership(ctx, jobID, workerID); errors.Is(err, jobs.ErrNotFound) {
		return false, err
	}
	return false, nil
}

// ReclaimStale requeues silent running jobs and closes abandoned
// cancellations. Only one process reclaims at a time; the others get an empty
// report.
func (s *JobStore) ReclaimStale(ctx context.Context, cutoff, now time.Time) (report jobs.ReclaimReport, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return report, fmt.Errorf("begin reclaim: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var locked bool
	if err = tx.QueryRow(ctx, reaperLockSQL, reaperLockKey).Scan(&locked); err != nil {
		return report, fmt.Errorf("acquire reaper lock: %w", err)
	}
	if !locked {
		err = tx.Rollback(ctx)
		return report, err
	}
	if report.Requeued, err = collectIDs(ctx, tx, reclaimRunningSQL, cutoff.UTC(), StaleRequeueMessage); err != nil {
		return report, fmt.Errorf("requeue stale jobs: %w", err)
	}
	if report.Cancelled, err = collectIDs(ctx, tx, reclaimCancelledSQL, cutoff.UTC(), now.UTC()); err != nil {
		return report, fmt.Errorf("close abandoned cancellations: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return report, fmt.Errorf("commit reclaim: %w", err)
	}
	return report, nil
}

func collectIDs(ctx context.Context, tx pgx.Tx, sql string, args ...any) ([]string, error) {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (jobs.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, getJobSQL, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, jobs.ErrNotFound
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *JobStore) ListJobs(ctx context.Context, filter jobs.ListFilter) ([]jobs.Job, error) {
	var (
		status *string
		limit  *int
	)
	if filter.Status != nil {
		v := string(*filter.Status)
		status = &v
	}
	if filter.Limit > 0 {
		limit = &filter.Limit
	}
	rows, err := s.db.Query(ctx, listJobsSQL, status, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	out := []jobs.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

var _ jobs.Store = (*JobStore)(nil)
