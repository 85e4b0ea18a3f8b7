package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/discovery"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/retry"
)

type fakeLoader struct {
	entities []discovery.Entity
	err      error
}

func (l fakeLoader) Load(context.Context, string) ([]discovery.Entity, error) {
	return l.entities, l.err
}

type fakeAdmitter struct {
	mu       sync.Mutex
	decision map[string]retry.Decision
	err      map[string]error
	checked  []string
}

func (a *fakeAdmitter) Admit(_ context.Context, _ string, key string) (retry.Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checked = append(a.checked, key)
	if err := a.err[key]; err != nil {
		return retry.Decision{}, err
	}
	if d, ok := a.decision[key]; ok {
		return d, nil
	}
	return retry.Decision{Attempt: true}, nil
}

type fakeEngine struct {
	mu       sync.Mutex
	outcomes map[string]retry.Outcome
	seen     []string
	delay    time.Duration
}

func (e *fakeEngine) Discover(ctx context.Context, req discovery.Request) (discovery.Report, error) {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	e.mu.Lock()
	e.seen = append(e.seen, req.Entity.Key)
	outcome, ok := e.outcomes[req.Entity.Key]
	e.mu.Unlock()
	if err := req.Stop.Err(); err != nil {
		return discovery.Report{}, fmt.Errorf("discover: %w", err)
	}
	if !ok {
		outcome = retry.OutcomeContentNotFound
	}
	report := discovery.Report{EntityKey: req.Entity.Key, Outcome: outcome}
	if outcome == retry.OutcomeSuccess {
		report.Result = &discovery.Result{SourceURL: "https://example.com/" + req.Entity.Key, Score: 7}
	}
	return report, nil
}

func entities(keys ...string) []discovery.Entity {
	out := make([]discovery.Entity, 0, len(keys))
	for _, k := range keys {
		out = append(out, discovery.Entity{Key: k, Office: "Denver"})
	}
	return out
}

func csvJob(t *testing.T, params jobs.CSVUploadParams) jobs.Job {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return jobs.Job{ID: "job-1", Type: jobs.TypeCSVUpload, Params: raw}
}

func TestCSVUploadCountsOutcomes(t *testing.T) {
	t.Parallel()

	admitter := &fakeAdmitter{
		decision: map[string]retry.Decision{
			"WO-3": {Reason: retry.SkipAlreadyFound},
			"WO-4": {Reason: retry.SkipCooldown},
		},
		err: map[string]error{"WO-5": errors.New("db down")},
	}
	engine := &fakeEngine{outcomes: map[string]retry.Outcome{"WO-1": retry.OutcomeSuccess}}
	h, err := NewCSVUpload(CSVUploadConfig{Concurrency: 2}, fakeLoader{entities: entities("WO-1", "WO-2", "WO-3", "WO-4", "WO-5")}, admitter, engine, nil)
	require.NoError(t, err)

	run := newFakeRun(csvJob(t, jobs.CSVUploadParams{URL: "https://example.com/loans.csv"}))
	require.NoError(t, h.Handle(context.Background(), run))

	assert.Equal(t, 5, run.total)
	assert.Equal(t, jobs.Counters{Processed: 2, Succeeded: 1, Failed: 1, Skipped: 2, Errors: 1}, run.Counters())
	assert.ElementsMatch(t, []string{"WO-1", "WO-2"}, engine.seen, "skipped entities never reach the engine")
}

func TestCSVUploadAppliesFiltersAndLimit(t *testing.T) {
	t.Parallel()

	list := entities("WO-1", "WO-2", "WO-3")
	list[1].Office = "Chicago"
	engine := &fakeEngine{}
	h, err := NewCSVUpload(CSVUploadConfig{Concurrency: 1}, fakeLoader{entities: list}, &fakeAdmitter{}, engine, nil)
	require.NoError(t, err)

	run := newFakeRun(csvJob(t, jobs.CSVUploadParams{
		URL:     "https://example.com/loans.csv",
		Limit:   1,
		Filters: jobs.CSVFilters{Office: "Denver"},
	}))
	require.NoError(t, h.Handle(context.Background(), run))
	assert.Equal(t, 1, run.total)
	assert.Equal(t, []string{"WO-1"}, engine.seen)
}

func TestCSVUploadStopsDispatchOnCancel(t *testing.T) {
	t.Parallel()

	keys := make([]string, 20)
	for i := range keys {
		keys[i] = fmt.Sprintf("WO-%d", i)
	}
	engine := &fakeEngine{delay: time.Millisecond}
	h, err := NewCSVUpload(CSVUploadConfig{Concurrency: 1, MaxInFlightEntities: 1}, fakeLoader{entities: entities(keys...)}, &fakeAdmitter{}, engine, nil)
	require.NoError(t, err)

	run := newFakeRun(csvJob(t, jobs.CSVUploadParams{URL: "https://example.com/loans.csv"}))
	run.cancelAfter = 3
	err = h.Handle(context.Background(), run)
	require.ErrorIs(t, err, jobs.ErrCancelled)
	assert.Less(t, run.Counters().Completed(), 20)
	assert.GreaterOrEqual(t, run.Counters().Completed(), 3)
}

func TestCSVUploadAdmitsNothingAfterCancel(t *testing.T) {
	t.Parallel()

	keys := []string{"WO-1", "WO-2", "WO-3", "WO-4"}
	admitter := &fakeAdmitter{decision: map[string]retry.Decision{}}
	for _, k := range keys {
		admitter.decision[k] = retry.Decision{Reason: retry.SkipCooldown}
	}
	h, err := NewCSVUpload(CSVUploadConfig{Concurrency: 1, MaxInFlightEntities: 1}, fakeLoader{entities: entities(keys...)}, admitter, &fakeEngine{}, nil)
	require.NoError(t, err)

	run := newFakeRun(csvJob(t, jobs.CSVUploadParams{URL: "https://example.com/loans.csv"}))
	run.cancelAfter = 1
	err = h.Handle(context.Background(), run)
	require.ErrorIs(t, err, jobs.ErrCancelled)

	assert.Equal(t, []string{"WO-1"}, admitter.checked)
	assert.Equal(t, jobs.Counters{Skipped: 1}, run.Counters())
}

func TestCSVUploadAbortsWhenProgressCannotPersist(t *testing.T) {
	t.Parallel()

	h, err := NewCSVUpload(CSVUploadConfig{Concurrency: 1}, fakeLoader{entities: entities("WO-1", "WO-2")}, &fakeAdmitter{}, &fakeEngine{}, nil)
	require.NoError(t, err)

	run := newFakeRun(csvJob(t, jobs.CSVUploadParams{URL: "https://example.com/loans.csv"}))
	run.completeErr = errors.New("store unreachable")
	require.ErrorContains(t, h.Handle(context.Background(), run), "store unreachable")
}

func TestCSVUploadLoadFailure(t *testing.T) {
	t.Parallel()

	h, err := NewCSVUpload(CSVUploadConfig{Concurrency: 1}, fakeLoader{err: errors.New("404")}, &fakeAdmitter{}, &fakeEngine{}, nil)
	require.NoError(t, err)

	run := newFakeRun(csvJob(t, jobs.CSVUploadParams{URL: "https://example.com/loans.csv"}))
	require.ErrorContains(t, h.Handle(context.Background(), run), "load loans")
	assert.Equal(t, -1, run.total)
}

func TestNewCSVUploadValidates(t *testing.T) {
	t.Parallel()
	_, err := NewCSVUpload(CSVUploadConfig{Concurrency: 0}, fakeLoader{}, &fakeAdmitter{}, &fakeEngine{}, nil)
	require.Error(t, err)
	_, err = NewCSVUpload(CSVUploadConfig{Concurrency: 1}, nil, &fakeAdmitter{}, &fakeEngine{}, nil)
	require.Error(t, err)
}
