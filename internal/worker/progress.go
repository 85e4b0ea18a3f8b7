package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/joblog"
)

// run is the jobs.Run handed to a handler. Completions accumulate in memory
// and are persisted every batch entities; each persisted write doubles as a
// status check that fires the token when the job was cancelled.
type run struct {
	job      jobs.Job
	workerID string
	store    jobs.Store
	logs     joblog.Emitter
	clock    jobs.Clock
	token    *jobs.Token
	batch    int

	mu       sync.Mutex
	counters jobs.Counters
	pending  int
}

func newRun(job jobs.Job, workerID string, store jobs.Store, logs joblog.Emitter, clock jobs.Clock, batch int) *run {
	if batch <= 0 {
		batch = 1
	}
	return &run{
		job:      job,
		workerID: workerID,
		store:    store,
		logs:     logs,
		clock:    clock,
		token:    jobs.NewToken(),
		batch:    batch,
	}
}

func (r *run) Job() jobs.Job { return r.job }

func (r *run) Token() *jobs.Token { return r.token }

func (r *run) SetTotal(ctx context.Context, total int) error {
	err := r.store.SetProgressTotal(ctx, r.job.ID, r.workerID, total)
	if errors.Is(err, jobs.ErrLeaseLost) {
		r.token.Stop(jobs.StopLeaseLost)
	}
	if err != nil {
		return fmt.Errorf("set progress total: %w", err)
	}
	return nil
}

func (r *run) Complete(ctx context.Context, delta jobs.Counters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = r.counters.Add(delta)
	r.pending++
	if r.pending < r.batch {
		return nil
	}
	return r.flushLocked(ctx)
}

func (r *run) Counters() jobs.Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

func (r *run) Log(level jobs.Level, message string, metadata map[string]any) {
	if r.logs == nil {
		return
	}
	r.logs.Emit(jobs.LogEntry{
		JobID:     r.job.ID,
		Level:     level,
		Message:   message,
		Metadata:  metadata,
		Timestamp: r.clock.Now(),
	})
}

// Flush persists progress regardless of the batch position.
func (r *run) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked(ctx)
}

func (r *run) flushLocked(ctx context.Context) error {
	r.pending = 0
	status, err := r.store.UpdateProgress(ctx, jobs.ProgressUpdate{
		JobID:    r.job.ID,
		WorkerID: r.workerID,
		Current:  r.counters.Completed(),
		Counters: r.counters,
		At:       r.clock.Now(),
	})
	switch {
	case errors.Is(err, jobs.ErrLeaseLost):
		r.token.Stop(jobs.StopLeaseLost)
		return nil
	case err != nil:
		return fmt.Errorf("update progress: %w", err)
	}
	r.observe(status)
	return nil
}

// observe fires the token for any status a running owner should not see.
func (r *run) observe(status jobs.Status) {
	switch status {
	case jobs.StatusRunning, "":
	case jobs.StatusCancelled:
		r.token.Stop(jobs.StopCancelled)
	default:
		r.token.Stop(jobs.StopLeaseLost)
	}
}

var _ jobs.Run = (*run)(nil)
