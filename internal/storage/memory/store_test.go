package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

var t0 = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func enqueue(t *testing.T, s *JobStore, id string, at time.Time) {
	t.Helper()
	_, err := s.Enqueue(context.Background(), jobs.NewJob{ID: id, Type: jobs.TypeCSVUpload, CreatedAt: at})
	require.NoError(t, err)
}

func TestClaimNextIsExclusiveUnderConcurrency(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	const jobCount = 50
	for i := 0; i < jobCount; i++ {
		enqueue(t, s, fmt.Sprintf("job-%02d", i), t0.Add(time.Duration(i)*time.Second))
	}

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := s.ClaimNext(context.Background(), worker, t0)
				if err != nil {
					assert.ErrorIs(t, err, jobs.ErrNoJobs)
					return
				}
				mu.Lock()
				prev, dup := claimed[job.ID]
				claimed[job.ID] = worker
				mu.Unlock()
				assert.False(t, dup, "job %s claimed by %s and %s", job.ID, prev, worker)
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	assert.Len(t, claimed, jobCount)
}

func TestClaimNextOrderAndFields(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	enqueue(t, s, "late", t0.Add(time.Minute))
	enqueue(t, s, "early", t0)

	job, err := s.ClaimNext(context.Background(), "w1", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "early", job.ID)
	assert.Equal(t, jobs.StatusRunning, job.Status)
	assert.Equal(t, "w1", job.WorkerID)
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, t0.Add(time.Hour), *job.StartedAt)
}

func TestPreClaimCancellationIsHandedToClaimer(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	enqueue(t, s, "job-1", t0)
	_, err := s.RequestCancel(context.Background(), "job-1")
	require.NoError(t, err)

	job, err := s.ClaimNext(context.Background(), "w1", t0)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, job.Status)
	assert.Equal(t, "w1", job.WorkerID)
	assert.Nil(t, job.StartedAt)

	_, err = s.ClaimNext(context.Background(), "w2", t0)
	require.ErrorIs(t, err, jobs.ErrNoJobs, "a bound cancelled job is not claimable again")

	status, err := s.Finalize(context.Background(), jobs.Finalization{JobID: "job-1", WorkerID: "w1", Status: jobs.StatusCancelled, At: t0})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, status)
}

func TestHeartbeatAfterReclaimLosesLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewJobStore()
	enqueue(t, s, "job-1", t0)
	_, err := s.ClaimNext(ctx, "w1", t0)
	require.NoError(t, err)

	status, err := s.Heartbeat(ctx, "job-1", "w1", t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, status)

	report, err := s.ReclaimStale(ctx, t0.Add(time.Minute), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, report.Requeued)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.Empty(t, job.WorkerID)
	assert.Equal(t, StaleRequeueMessage, job.ErrorMessage)

	_, err = s.Heartbeat(ctx, "job-1", "w1", t0.Add(time.Minute))
	require.ErrorIs(t, err, jobs.ErrLeaseLost)

	job, err = s.ClaimNext(ctx, "w2", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "w2", job.WorkerID)

	_, err = s.Finalize(ctx, jobs.Finalization{JobID: "job-1", WorkerID: "w1", Status: jobs.StatusCompleted, At: t0})
	require.ErrorIs(t, err, jobs.ErrLeaseLost)
}

func TestReclaimFinalizesAbandonedCancellation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewJobStore()
	enqueue(t, s, "job-1", t0)
	_, err := s.ClaimNext(ctx, "w1", t0)
	require.NoError(t, err)
	_, err = s.RequestCancel(ctx, "job-1")
	require.NoError(t, err)

	report, err := s.ReclaimStale(ctx, t0.Add(time.Minute), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, report.Cancelled)
	assert.Empty(t, report.Requeued)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, job.Status)
	require.NotNil(t, job.CompletedAt)
}

func TestFinalizeIsIdempotentAndCancelWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewJobStore()
	enqueue(t, s, "job-1", t0)
	_, err := s.ClaimNext(ctx, "w1", t0)
	require.NoError(t, err)
	_, err = s.RequestCancel(ctx, "job-1")
	require.NoError(t, err)

	status, err := s.Finalize(ctx, jobs.Finalization{JobID: "job-1", WorkerID: "w1", Status: jobs.StatusCompleted, At: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, status)

	status, err = s.Finalize(ctx, jobs.Finalization{JobID: "job-1", WorkerID: "w1", Status: jobs.StatusFailed, ErrorMessage: "late", At: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, status)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Second), *job.CompletedAt)
	assert.Empty(t, job.ErrorMessage)

	_, err = s.RequestCancel(ctx, "job-1")
	require.NoError(t, err)
	_, err = s.Finalize(ctx, jobs.Finalization{JobID: "job-1", Status: jobs.StatusQueued})
	require.Error(t, err)
}

func TestRequestCancelOnTerminalJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewJobStore()
	enqueue(t, s, "job-1", t0)
	_, err := s.ClaimNext(ctx, "w1", t0)
	require.NoError(t, err)
	_, err = s.Finalize(ctx, jobs.Finalization{JobID: "job-1", WorkerID: "w1", Status: jobs.StatusCompleted, At: t0})
	require.NoError(t, err)

	_, err = s.RequestCancel(ctx, "job-1")
	require.ErrorIs(t, err, jobs.ErrTerminal)
	_, err = s.RequestCancel(ctx, "missing")
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestUpdateProgressStopsAfterCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewJobStore()
	enqueue(t, s, "job-1", t0)
	_, err := s.ClaimNext(ctx, "w1", t0)
	require.NoError(t, err)
	require.NoError(t, s.SetProgressTotal(ctx, "job-1", "w1", 10))

	status, err := s.UpdateProgress(ctx, jobs.ProgressUpdate{JobID: "job-1", WorkerID: "w1", Current: 3, Counters: jobs.Counters{Processed: 3}, At: t0})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, status)

	_, err = s.RequestCancel(ctx, "job-1")
	require.NoError(t, err)

	status, err = s.UpdateProgress(ctx, jobs.ProgressUpdate{JobID: "job-1", WorkerID: "w1", Current: 6, At: t0})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, status)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, job.ProgressCurrent)
	assert.Equal(t, 10, *job.ProgressTotal)

	status, err = s.UpdateProgress(ctx, jobs.ProgressUpdate{JobID: "job-1", WorkerID: "w2", Current: 6, At: t0})
	require.ErrorIs(t, err, jobs.ErrLeaseLost)
	assert.Equal(t, jobs.StatusCancelled, status)
}

func TestRequeueOnlyWhileRunning(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewJobStore()
	enqueue(t, s, "job-1", t0)
	_, err := s.ClaimNext(ctx, "w1", t0)
	require.NoError(t, err)

	ok, err := s.Requeue(ctx, "job-1", "w2", "x")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Requeue(ctx, "job-1", "w1", "worker shutdown - job will be retried")
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.Equal(t, "worker shutdown - job will be retried", job.ErrorMessage)
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewJobStore()
	for i := 0; i < 5; i++ {
		enqueue(t, s, fmt.Sprintf("job-%d", i), t0.Add(time.Duration(i)*time.Minute))
	}
	_, err := s.ClaimNext(ctx, "w1", t0)
	require.NoError(t, err)

	all, err := s.ListJobs(ctx, jobs.ListFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "job-3", all[0].ID)

	running := jobs.StatusRunning
	only, err := s.ListJobs(ctx, jobs.ListFilter{Status: &running})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "job-0", only[0].ID)
}
