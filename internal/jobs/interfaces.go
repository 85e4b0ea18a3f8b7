package jobs

import (
	"context"
	"time"
)

// Store persists jobs and enforces the job state machine. Every mutating call
// is a single conditional write so concurrent workers never observe the same
// job as claimed.
type Store interface {
	Enqueue(ctx context.Context, job NewJob) (Job, error)
	// ClaimNext atomically binds the oldest claimable job to workerID. It
	// returns ErrNoJobs when there is nothing to do. A job cancelled before it
	// was ever claimed is returned with StatusCancelled so the claimer can
	// finalize it without running it.
	ClaimNext(ctx context.Context, workerID string, now time.Time) (Job, error)
	// Heartbeat renews the job's liveness and reports its current status.
	Heartbeat(ctx context.Context, jobID, workerID string, now time.Time) (Status, error)
	SetProgressTotal(ctx context.Context, jobID, workerID string, total int) error
	// UpdateProgress persists progress for a running job. It reports the status
	// found when the write was refused.
	UpdateProgress(ctx context.Context, update ProgressUpdate) (Status, error)
	RequestCancel(ctx context.Context, jobID string) (Job, error)
	// Finalize performs the terminal transition. Repeated calls are no-ops that
	// return the already recorded status.
	Finalize(ctx context.Context, fin Finalization) (Status, error)
	Requeue(ctx context.Context, jobID, workerID, reason string) (bool, error)
	ReclaimStale(ctx context.Context, cutoff, now time.Time) (ReclaimReport, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]Job, error)
}

// LogStore keeps the append-only job log.
type LogStore interface {
	AppendLogs(ctx context.Context, entries []LogEntry) error
	ListLogs(ctx context.Context, jobID string, afterID int64, limit int) ([]LogEntry, error)
}

// LeaseStore tracks worker processes.
type LeaseStore interface {
	RegisterWorker(ctx context.Context, lease WorkerLease) error
	UpdateWorker(ctx context.Context, workerID string, status WorkerStatus, currentJobID string, now time.Time) error
	MarkStaleWorkersOffline(ctx context.Context, cutoff time.Time) (int, error)
	ListWorkers(ctx context.Context) ([]WorkerLease, error)
}

// Notifier wakes idle workers when new work is enqueued.
type Notifier interface {
	Notify(ctx context.Context, jobID string) error
	// Wait blocks until a notification arrives or ctx ends.
	Wait(ctx context.Context) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// ProgressUpdate is a batched progress write.
type ProgressUpdate struct {
	JobID    string
	WorkerID string
	Current  int
	Counters Counters
	At       time.Time
}

// Finalization describes a terminal transition request.
type Finalization struct {
	JobID        string
	WorkerID     string
	Status       Status
	Counters     Counters
	ErrorMessage string
	At           time.Time
}
