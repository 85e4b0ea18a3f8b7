// Package memory provides in-process stores for development and tests. A
// single mutex guards each store, so every transition is atomic in the same
// way a single conditional UPDATE is in postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

// StaleRequeueMessage is recorded on jobs reclaimed from a silent worker.
const StaleRequeueMessage = "requeued after stale heartbeat"

// JobStore implements jobs.Store.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*jobs.Job
}

// NewJobStore constructs an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*jobs.Job)}
}

// Enqueue stores a new queued job.
func (s *JobStore) Enqueue(_ context.Context, nj jobs.NewJob) (jobs.Job, error) {
	if nj.ID == "" {
		return jobs.Job{}, fmt.Errorf("enqueue: job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[nj.ID]; exists {
		return jobs.Job{}, fmt.Errorf("enqueue: job %s already exists", nj.ID)
	}
	job := &jobs.Job{
		ID:        nj.ID,
		Type:      nj.Type,
		Name:      nj.Name,
		Status:    jobs.StatusQueued,
		Params:    append([]byte(nil), nj.Params...),
		CreatedAt: nj.CreatedAt.UTC(),
	}
	s.jobs[job.ID] = job
	return *job, nil
}

// ClaimNext binds the oldest queued job, or the oldest job cancelled before
// anyone claimed it, to workerID.
func (s *JobStore) ClaimNext(_ context.Context, workerID string, now time.Time) (jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *jobs.Job
	for _, job := range s.jobs {
		if !claimable(job) {
			continue
		}
		if next == nil || job.CreatedAt.Before(next.CreatedAt) ||
			(job.CreatedAt.Equal(next.CreatedAt) && job.ID < next.ID) {
			next = job
		}
	}
	if next == nil {
		return jobs.Job{}, jobs.ErrNoJobs
	}
	now = now.UTC()
	next.WorkerID = workerID
	next.LastHeartbeatAt = &now
	if next.Status == jobs.StatusQueued {
		next.Status = jobs.StatusRunning
		next.StartedAt = &now
		next.ErrorMessage = ""
	}
	return *next, nil
}

func claimable(job *jobs.Job) bool {
	switch job.Status {
	case jobs.StatusQueued:
		return true
	case jobs.StatusCancelled:
		return job.WorkerID == "" && job.CompletedAt == nil
	default:
		return false
	}
}

// owned returns the job if workerID holds it.
func (s *JobStore) owned(jobID, workerID string) (*jobs.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	if job.WorkerID != workerID {
		return job, jobs.ErrLeaseLost
	}
	return job, nil
}

// Heartbeat renews a held job and reports its status. A job that was
// reclaimed or handed to another worker yields jobs.ErrLeaseLost.
func (s *JobStore) Heartbeat(_ context.Context, jobID, workerID string, now time.Time) (jobs.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.owned(jobID, workerID)
	if err != nil {
		if job != nil {
			return job.Status, err
		}
		return "", err
	}
	if job.CompletedAt == nil && (job.Status == jobs.StatusRunning || job.Status == jobs.StatusCancelled) {
		now = now.UTC()
		job.LastHeartbeatAt = &now
	}
	return job.Status, nil
}

// SetProgressTotal records the entity count of a held job.
func (s *JobStore) SetProgressTotal(_ context.Context, jobID, workerID string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.owned(jobID, workerID)
	if err != nil {
		return err
	}
	job.ProgressTotal = &total
	return nil
}

// UpdateProgress writes progress only while the job is running.
func (s *JobStore) UpdateProgress(_ context.Context, u jobs.ProgressUpdate) (jobs.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.owned(u.JobID, u.WorkerID)
	if err != nil {
		if job != nil {
			return job.Status, err
		}
		return "", err
	}
	if job.Status != jobs.StatusRunning {
		return job.Status, nil
	}
	current := u.Current
	if job.ProgressTotal != nil && current > *job.ProgressTotal {
		current = *job.ProgressTotal
	}
	at := u.At.UTC()
	job.ProgressCurrent = current
	job.Counters = u.Counters
	job.LastHeartbeatAt = &at
	return job.Status, nil
}

// RequestCancel flags a queued or running job as cancelled. Cancelling an
// already cancelled job is a no-op.
func (s *JobStore) RequestCancel(_ context.Context, jobID string) (jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	switch job.Status {
	case jobs.StatusQueued, jobs.StatusRunning:
		job.Status = jobs.StatusCancelled
	case jobs.StatusCancelled:
	default:
		return *job, jobs.ErrTerminal
	}
	return *job, nil
}

// Finalize performs the terminal transition once. A cancellation recorded
// before finalize wins over the requested status.
func (s *JobStore) Finalize(_ context.Context, fin jobs.Finalization) (jobs.Status, error) {
	if !fin.Status.Terminal() {
		return "", fmt.Errorf("finalize: %q is not a terminal status", fin.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[fin.JobID]
	if !ok {
		return "", jobs.ErrNotFound
	}
	if job.CompletedAt != nil {
		return job.Status, nil
	}
	if job.WorkerID != fin.WorkerID {
		return job.Status, jobs.ErrLeaseLost
	}
	status := fin.Status
	if job.Status == jobs.StatusCancelled {
		status = jobs.StatusCancelled
	}
	at := fin.At.UTC()
	job.Status = status
	job.Counters = fin.Counters
	job.ErrorMessage = fin.ErrorMessage
	job.CompletedAt = &at
	if job.ProgressTotal != nil && job.ProgressCurrent > *job.ProgressTotal {
		job.ProgressCurrent = *job.ProgressTotal
	}
	return status, nil
}

// Requeue hands a running job back to the queue. It reports false when the
// job is no longer running under workerID.
func (s *JobStore) Requeue(_ context.Context, jobID, workerID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, jobs.ErrNotFound
	}
	if job.Status != jobs.StatusRunning || job.WorkerID != workerID {
		return false, nil
	}
	requeue(job, reason)
	return true, nil
}

func requeue(job *jobs.Job, reason string) {
	job.Status = jobs.StatusQueued
	job.WorkerID = ""
	job.LastHeartbeatAt = nil
	job.ErrorMessage = reason
}

// ReclaimStale requeues running jobs whose heartbeat is older than cutoff and
// finalizes cancelled jobs whose owner went silent.
func (s *JobStore) ReclaimStale(_ context.Context, cutoff, now time.Time) (jobs.ReclaimReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var report jobs.ReclaimReport
	now = now.UTC()
	for _, job := range s.jobs {
		if !stale(job, cutoff) {
			continue
		}
		switch {
		case job.Status == jobs.StatusRunning:
			requeue(job, StaleRequeueMessage)
			report.Requeued = append(report.Requeued, job.ID)
		case job.Status == jobs.StatusCancelled && job.CompletedAt == nil && job.WorkerID != "":
			completed := now
			job.CompletedAt = &completed
			report.Cancelled = append(report.Cancelled, job.ID)
		}
	}
	sort.Strings(report.Requeued)
	sort.Strings(report.Cancelled)
	return report, nil
}

func stale(job *jobs.Job, cutoff time.Time) bool {
	switch {
	case job.LastHeartbeatAt != nil:
		return job.LastHeartbeatAt.Before(cutoff)
	case job.StartedAt != nil:
		return job.StartedAt.Before(cutoff)
	default:
		return false
	}
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return *job, nil
}

// ListJobs returns jobs newest first.
func (s *JobStore) ListJobs(_ context.Context, filter jobs.ListFilter) ([]jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]jobs.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []jobs.Job{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

var _ jobs.Store = (*JobStore)(nil)
