package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/clock/system"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/config"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/id/uuid"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/retry"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/storage/memory"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/supervisor"
)

type fakeApp struct {
	svc      *supervisor.Service
	served   bool
	worked   bool
	migrated bool
	closed   bool
}

func (a *fakeApp) Control() Control { return a.svc }

func (a *fakeApp) Serve(context.Context, string) error {
	a.served = true
	return nil
}

func (a *fakeApp) Work(context.Context, string) error {
	a.worked = true
	return nil
}

func (a *fakeApp) Migrate(context.Context) error {
	a.migrated = true
	return nil
}

func (a *fakeApp) Close(context.Context) {
	a.closed = true
}

func newFakeApp(t *testing.T) *fakeApp {
	t.Helper()
	clock := system.New()
	svc, err := supervisor.New(supervisor.Deps{
		Store:    memory.NewJobStore(),
		Logs:     memory.NewLogStore(),
		Leases:   memory.NewLeaseStore(),
		Notifier: memory.NewNotifier(),
		Retry:    retry.NewLedger(memory.NewRetryStore(), retry.DefaultPolicy(), clock, zap.NewNop()),
		IDs:      uuid.NewUUIDGenerator(),
		Clock:    clock,
	}, zap.NewNop())
	require.NoError(t, err)
	return &fakeApp{svc: svc}
}

func run(t *testing.T, app *fakeApp, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(func(context.Context, config.Config, *zap.Logger) (App, error) { return app, nil })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommandsDelegateToApp(t *testing.T) {
	app := newFakeApp(t)

	_, err := run(t, app, "serve")
	require.NoError(t, err)
	_, err = run(t, app, "work")
	require.NoError(t, err)
	_, err = run(t, app, "migrate")
	require.NoError(t, err)

	assert.True(t, app.served)
	assert.True(t, app.worked)
	assert.True(t, app.migrated)
	assert.True(t, app.closed)
}

func TestEnqueueStatusAndCancel(t *testing.T) {
	app := newFakeApp(t)

	out, err := run(t, app, "enqueue", "--type", "csv_upload", "--name", "nightly",
		"--params", `{"url":"https://example.com/loans.csv","limit":3}`)
	require.NoError(t, err)
	var job jobs.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.Equal(t, "nightly", job.Name)

	out, err = run(t, app, "status", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, job.ID)

	out, err = run(t, app, "cancel", job.ID)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, jobs.StatusCancelled, job.Status)

	out, err = run(t, app, "list", "--status", "cancelled")
	require.NoError(t, err)
	var list []jobs.Job
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)

	out, err = run(t, app, "logs", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "job enqueued")
}

func TestEnqueueParamsFromFile(t *testing.T) {
	app := newFakeApp(t)
	path := filepath.Join(t.TempDir(), "window.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"start_date":"2025-01-01","end_date":"2025-01-31"}`), 0o600))

	out, err := run(t, app, "enqueue", "--type", "historical_reprocessing", "--params", "@"+path)
	require.NoError(t, err)
	assert.Contains(t, out, `"historical_reprocessing"`)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	app := newFakeApp(t)

	_, err := run(t, app, "enqueue", "--type", "csv_upload", "--params", "{not json")
	require.ErrorIs(t, err, jobs.ErrInvalidParams)

	_, err = run(t, app, "enqueue", "--type", "csv_upload", "--params", `{"limit":1}`)
	require.ErrorIs(t, err, jobs.ErrInvalidParams)

	_, err = run(t, app, "enqueue", "--params", "{}")
	require.Error(t, err)
}

func TestStatusUnknownJob(t *testing.T) {
	app := newFakeApp(t)
	_, err := run(t, app, "status", "missing")
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestRetryReset(t *testing.T) {
	app := newFakeApp(t)
	out, err := run(t, app, "retry", "reset", "WO-1")
	require.NoError(t, err)
	assert.Equal(t, "no retry record for WO-1\n", out)

	_, err = run(t, app, "retry", "show", "WO-1")
	require.Error(t, err)
}

func TestFactoryErrorIsReported(t *testing.T) {
	root := newRootCmd(func(context.Context, config.Config, *zap.Logger) (App, error) {
		return nil, errors.New("db down")
	})
	root.SetArgs([]string{"workers"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "db down")
}
