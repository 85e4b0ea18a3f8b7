package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeStore struct {
	mu      sync.Mutex
	records map[string]Record
	skips   []SkipEvent
	getErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]Record{}}
}

func (s *fakeStore) GetRecord(_ context.Context, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return Record{}, s.getErr
	}
	r, ok := s.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) PutRecord(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[r.EntityKey]; ok && existing.State == StateFound {
		return nil
	}
	s.records[r.EntityKey] = r
	return nil
}

func (s *fakeStore) AppendSkip(_ context.Context, e SkipEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skips = append(s.skips, e)
	return nil
}

func (s *fakeStore) DeleteRecord(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	delete(s.records, key)
	return ok, nil
}

func newTestLedger() (*Ledger, *fakeStore, *fakeClock) {
	store := newFakeStore()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewLedger(store, DefaultPolicy(), clock, nil), store, clock
}

func TestShouldAttemptUnknownEntity(t *testing.T) {
	t.Parallel()
	ledger, _, _ := newTestLedger()

	ok, err := ledger.ShouldAttempt(context.Background(), "WO-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRecordAttemptFailureSetsRetryAfter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for outcome, cooldown := range DefaultCooldowns() {
		ledger, _, clock := newTestLedger()
		rec, err := ledger.RecordAttempt(ctx, "WO-1", outcome, "")
		require.NoError(t, err)
		require.Equal(t, StateSearching, rec.State)
		require.Equal(t, 1, rec.AttemptCount)
		require.NotNil(t, rec.LastAttemptAt)
		require.NotNil(t, rec.RetryAfter)
		require.Equal(t, rec.LastAttemptAt.Add(cooldown), *rec.RetryAfter, outcome)
		require.Equal(t, clock.Now(), *rec.LastAttemptAt)
	}
}

func TestCooldownDoesNotEscalate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger, _, clock := newTestLedger()

	var last Record
	for i := 0; i < 4; i++ {
		rec, err := ledger.RecordAttempt(ctx, "WO-1", OutcomeContentNotFound, "")
		require.NoError(t, err)
		require.Equal(t, 7*day, rec.RetryAfter.Sub(*rec.LastAttemptAt))
		last = rec
		clock.advance(8 * day)
	}
	require.Equal(t, 4, last.AttemptCount)
}

func TestFoundIsTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger, _, clock := newTestLedger()

	_, err := ledger.RecordAttempt(ctx, "WO-1", OutcomeTransientFetchError, "timeout")
	require.NoError(t, err)
	clock.advance(2 * day)

	rec, err := ledger.RecordAttempt(ctx, "WO-1", OutcomeSuccess, "")
	require.NoError(t, err)
	require.Equal(t, StateFound, rec.State)
	require.Nil(t, rec.RetryAfter)
	require.Equal(t, 2, rec.AttemptCount)

	rec, err = ledger.RecordAttempt(ctx, "WO-1", OutcomeContentNotFound, "")
	require.NoError(t, err)
	require.Equal(t, StateFound, rec.State)
	require.Equal(t, 2, rec.AttemptCount)

	clock.advance(365 * day)
	ok, err := ledger.ShouldAttempt(ctx, "WO-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAdmitRecordsCooldownSkip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger, store, clock := newTestLedger()

	rec, err := ledger.RecordAttempt(ctx, "WO-F", OutcomeLowQualityMatch, "")
	require.NoError(t, err)
	clock.advance(time.Hour)

	decision, err := ledger.Admit(ctx, "job-1", "WO-F")
	require.NoError(t, err)
	require.False(t, decision.Attempt)
	require.Equal(t, SkipCooldown, decision.Reason)

	require.Len(t, store.skips, 1)
	require.Equal(t, "job-1", store.skips[0].JobID)
	require.Equal(t, SkipCooldown, store.skips[0].Reason)
	require.Equal(t, *rec.RetryAfter, *store.skips[0].RetryAfter)

	after, err := ledger.Get(ctx, "WO-F")
	require.NoError(t, err)
	require.Equal(t, rec, after)
}

func TestAdmitAfterCooldownElapses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger, store, clock := newTestLedger()

	_, err := ledger.RecordAttempt(ctx, "WO-1", OutcomeAccessDenied, "")
	require.NoError(t, err)
	clock.advance(2 * day)

	decision, err := ledger.Admit(ctx, "job-2", "WO-1")
	require.NoError(t, err)
	require.True(t, decision.Attempt)
	require.Empty(t, store.skips)
}

func TestAdmitAlreadyFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger, store, _ := newTestLedger()

	_, err := ledger.RecordAttempt(ctx, "WO-1", OutcomeSuccess, "")
	require.NoError(t, err)

	decision, err := ledger.Admit(ctx, "job-3", "WO-1")
	require.NoError(t, err)
	require.False(t, decision.Attempt)
	require.Equal(t, SkipAlreadyFound, decision.Reason)
	require.Len(t, store.skips, 1)
	require.Nil(t, store.skips[0].RetryAfter)
}

func TestResetForgetsEntity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger, _, _ := newTestLedger()

	_, err := ledger.RecordAttempt(ctx, "WO-1", OutcomeSuccess, "")
	require.NoError(t, err)

	deleted, err := ledger.Reset(ctx, "WO-1")
	require.NoError(t, err)
	require.True(t, deleted)

	ok, err := ledger.ShouldAttempt(ctx, "WO-1")
	require.NoError(t, err)
	require.True(t, ok)

	deleted, err = ledger.Reset(ctx, "WO-1")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestStoreErrorsPropagate(t *testing.T) {
	t.Parallel()
	ledger, store, _ := newTestLedger()
	store.getErr = errors.New("connection refused")

	_, err := ledger.ShouldAttempt(context.Background(), "WO-1")
	require.ErrorContains(t, err, "connection refused")

	_, err = ledger.RecordAttempt(context.Background(), "WO-1", OutcomeSuccess, "")
	require.Error(t, err)
}

func TestRecordAttemptRejectsUnknownOutcome(t *testing.T) {
	t.Parallel()
	ledger, _, _ := newTestLedger()
	_, err := ledger.RecordAttempt(context.Background(), "WO-1", Outcome("bogus"), "")
	require.Error(t, err)
}

func TestNewPolicy(t *testing.T) {
	t.Parallel()

	p, err := NewPolicy(map[Outcome]time.Duration{OutcomeAccessDenied: 5 * day})
	require.NoError(t, err)
	d, ok := p.Cooldown(OutcomeAccessDenied)
	require.True(t, ok)
	require.Equal(t, 5*day, d)
	d, ok = p.Cooldown(OutcomeContentNotFound)
	require.True(t, ok)
	require.Equal(t, 7*day, d)
	_, ok = p.Cooldown(OutcomeSuccess)
	require.False(t, ok)

	_, err = NewPolicy(map[Outcome]time.Duration{OutcomeSuccess: day})
	require.Error(t, err)
	_, err = NewPolicy(map[Outcome]time.Duration{OutcomeStorageError: 0})
	require.Error(t, err)
	_, err = NewPolicy(map[Outcome]time.Duration{"nope": day})
	require.Error(t, err)
}
