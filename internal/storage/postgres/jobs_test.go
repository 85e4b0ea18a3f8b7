package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

var t0 = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func jobRows(mock pgxmock.PgxPoolIface, job jobs.Job) *pgxmock.Rows {
	var worker *string
	if job.WorkerID != "" {
		worker = &job.WorkerID
	}
	return mock.NewRows(jobColumnNames).AddRow(
		job.ID, job.Type, job.Name, job.Status, []byte(job.Params), worker,
		job.CreatedAt, job.StartedAt, job.CompletedAt, job.LastHeartbeatAt,
		job.ProgressCurrent, job.ProgressTotal,
		job.Counters.Processed, job.Counters.Succeeded, job.Counters.Failed, job.Counters.Skipped, job.Counters.Errors,
		job.ErrorMessage,
	)
}

func TestEnqueueInsertsQueuedJob(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	params := []byte(`{"url":"https://example.com/loans.csv"}`)
	mock.ExpectQuery("INSERT INTO jobs").
		WithArgs("job-1", "csv_upload", "May loans", params, t0).
		WillReturnRows(jobRows(mock, jobs.Job{
			ID: "job-1", Type: jobs.TypeCSVUpload, Name: "May loans", Status: jobs.StatusQueued,
			Params: params, CreatedAt: t0,
		}))

	job, err := store.Enqueue(context.Background(), jobs.NewJob{
		ID: "job-1", Type: jobs.TypeCSVUpload, Name: "May loans", Params: params, CreatedAt: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.JSONEq(t, string(params), string(job.Params))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNext(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	started := t0
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs("w1", t0).
		WillReturnRows(jobRows(mock, jobs.Job{
			ID: "job-1", Type: jobs.TypeCSVUpload, Status: jobs.StatusRunning, WorkerID: "w1",
			CreatedAt: t0, StartedAt: &started, LastHeartbeatAt: &started,
		}))
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs("w1", t0).
		WillReturnError(pgx.ErrNoRows)

	job, err := store.ClaimNext(context.Background(), "w1", t0)
	require.NoError(t, err)
	assert.Equal(t, "w1", job.WorkerID)
	assert.Equal(t, jobs.StatusRunning, job.Status)

	_, err = store.ClaimNext(context.Background(), "w1", t0)
	require.ErrorIs(t, err, jobs.ErrNoJobs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatReportsLostLease(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	other := "w2"
	mock.ExpectQuery("UPDATE jobs SET last_heartbeat_at").
		WithArgs("job-1", "w1", t0).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT status, worker_id, completed_at FROM jobs").
		WithArgs("job-1").
		WillReturnRows(mock.NewRows([]string{"status", "worker_id", "completed_at"}).
			AddRow(jobs.StatusRunning, &other, (*time.Time)(nil)))

	status, err := store.Heartbeat(context.Background(), "job-1", "w1", t0)
	require.ErrorIs(t, err, jobs.ErrLeaseLost)
	assert.Equal(t, jobs.StatusRunning, status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatReturnsStatus(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("UPDATE jobs SET last_heartbeat_at").
		WithArgs("job-1", "w1", t0).
		WillReturnRows(mock.NewRows([]string{"status"}).AddRow(jobs.StatusCancelled))

	status, err := store.Heartbeat(context.Background(), "job-1", "w1", t0)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProgressArgs(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs("job-1", "w1", 5, 5, 2, 3, 1, 0, t0).
		WillReturnRows(mock.NewRows([]string{"status"}).AddRow(jobs.StatusRunning))

	status, err := store.UpdateProgress(context.Background(), jobs.ProgressUpdate{
		JobID: "job-1", WorkerID: "w1", Current: 5,
		Counters: jobs.Counters{Processed: 5, Succeeded: 2, Failed: 3, Skipped: 1},
		At:       t0,
	})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeIsIdempotent(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	owner := "w1"
	done := t0
	fin := jobs.Finalization{JobID: "job-1", WorkerID: "w1", Status: jobs.StatusCompleted, At: t0.Add(time.Hour)}
	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs("job-1", "w1", "completed", 0, 0, 0, 0, 0, "", t0.Add(time.Hour)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT status, worker_id, completed_at FROM jobs").
		WithArgs("job-1").
		WillReturnRows(mock.NewRows([]string{"status", "worker_id", "completed_at"}).
			AddRow(jobs.StatusFailed, &owner, &done))

	status, err := store.Finalize(context.Background(), fin)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, status, "first terminal status is kept")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestCancelTerminal(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	done := t0
	mock.ExpectQuery("UPDATE jobs SET status = 'cancelled'").
		WithArgs("job-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRows(mock, jobs.Job{ID: "job-1", Type: jobs.TypeCSVUpload, Status: jobs.StatusCompleted, CreatedAt: t0, CompletedAt: &done}))

	job, err := store.RequestCancel(context.Background(), "job-1")
	require.ErrorIs(t, err, jobs.ErrTerminal)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeue(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE jobs SET status = 'queued'").
		WithArgs("job-1", "w1", "worker shutdown - job will be retried").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := store.Requeue(context.Background(), "job-1", "w1", "worker shutdown - job will be retried")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimStale(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	cutoff := t0.Add(-15 * time.Second)
	mock.ExpectBegin()
	mock.ExpectQuery("pg_try_advisory_xact_lock").
		WithArgs(reaperLockKey).
		WillReturnRows(mock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectQuery("UPDATE jobs SET status = 'queued'").
		WithArgs(cutoff, StaleRequeueMessage).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow("job-1").AddRow("job-2"))
	mock.ExpectQuery("UPDATE jobs SET completed_at").
		WithArgs(cutoff, t0).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow("job-3"))
	mock.ExpectCommit()

	report, err := store.ReclaimStale(context.Background(), cutoff, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1", "job-2"}, report.Requeued)
	assert.Equal(t, []string{"job-3"}, report.Cancelled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimStaleSkipsWhenLocked(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("pg_try_advisory_xact_lock").
		WithArgs(reaperLockKey).
		WillReturnRows(mock.NewRows([]string{"locked"}).AddRow(false))
	mock.ExpectRollback()

	report, err := store.ReclaimStale(context.Background(), t0, t0)
	require.NoError(t, err)
	assert.Empty(t, report.Requeued)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobsFilters(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	status := jobs.StatusQueued
	statusArg := "queued"
	limit := 10
	mock.ExpectQuery("ORDER BY created_at DESC").
		WithArgs(&statusArg, &limit, 5).
		WillReturnRows(jobRows(mock, jobs.Job{ID: "job-9", Type: jobs.TypeFMSExport, Status: jobs.StatusQueued, CreatedAt: t0}))

	list, err := store.ListJobs(context.Background(), jobs.ListFilter{Status: &status, Limit: 10, Offset: 5})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "job-9", list[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
