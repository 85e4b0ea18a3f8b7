package retry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Decision is the result of checking an entity against the ledger.
type Decision struct {
	Attempt bool
	Reason  SkipReason
	Record  Record
}

// Ledger decides whether entities are due and records attempt outcomes.
type Ledger struct {
	store  Store
	policy Policy
	clock  Clock
	logger *zap.Logger
}

// NewLedger wires a Ledger.
func NewLedger(store Store, policy Policy, clock Clock, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, policy: policy, clock: clock, logger: logger}
}

// Check reports whether entityKey should be attempted now. Entities without a
// record are always due.
func (l *Ledger) Check(ctx context.Context, entityKey string) (Decision, error) {
	record, err := l.store.GetRecord(ctx, entityKey)
	if errors.Is(err, ErrNotFound) {
		return Decision{
			Attempt: true,
			Record:  Record{EntityKey: entityKey, State: StateNeverAttempted},
		}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("load retry record %s: %w", entityKey, err)
	}
	if record.State == StateFound {
		return Decision{Reason: SkipAlreadyFound, Record: record}, nil
	}
	if record.RetryAfter != nil && l.clock.Now().Before(*record.RetryAfter) {
		return Decision{Reason: SkipCooldown, Record: record}, nil
	}
	return Decision{Attempt: true, Record: record}, nil
}

// ShouldAttempt is Check reduced to its verdict.
func (l *Ledger) ShouldAttempt(ctx context.Context, entityKey string) (bool, error) {
	decision, err := l.Check(ctx, entityKey)
	if err != nil {
		return false, err
	}
	return decision.Attempt, nil
}

// Admit checks entityKey on behalf of jobID and, when the entity is not due,
// appends a skip event. The retry record itself is never touched.
func (l *Ledger) Admit(ctx context.Context, jobID, entityKey string) (Decision, error) {
	decision, err := l.Check(ctx, entityKey)
	if err != nil {
		return Decision{}, err
	}
	if decision.Attempt {
		return decision, nil
	}
	if err := l.RecordSkip(ctx, jobID, decision); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// RecordSkip appends the audit event for a negative decision.
func (l *Ledger) RecordSkip(ctx context.Context, jobID string, decision Decision) error {
	event := SkipEvent{
		EntityKey:  decision.Record.EntityKey,
		JobID:      jobID,
		Reason:     decision.Reason,
		RetryAfter: decision.Record.RetryAfter,
		At:         l.clock.Now(),
	}
	if err := l.store.AppendSkip(ctx, event); err != nil {
		return fmt.Errorf("append skip event %s: %w", event.EntityKey, err)
	}
	l.logger.Debug("entity skipped",
		zap.String("entity_key", event.EntityKey),
		zap.String("job_id", jobID),
		zap.String("reason", string(event.Reason)),
	)
	return nil
}

// RecordAttempt applies outcome to the entity's record. Success is terminal;
// every other outcome schedules the next attempt at now + cooldown(outcome).
// A record already in StateFound is returned unchanged.
func (l *Ledger) RecordAttempt(ctx context.Context, entityKey string, outcome Outcome, details string) (Record, error) {
	if !outcome.Valid() {
		return Record{}, fmt.Errorf("unknown outcome %q", outcome)
	}
	record, err := l.store.GetRecord(ctx, entityKey)
	switch {
	case errors.Is(err, ErrNotFound):
		record = Record{EntityKey: entityKey, State: StateNeverAttempted}
	case err != nil:
		return Record{}, fmt.Errorf("load retry record %s: %w", entityKey, err)
	case record.State == StateFound:
		return record, nil
	}

	now := l.clock.Now()
	record.AttemptCount++
	record.LastAttemptAt = &now
	record.LastResult = outcome
	record.Details = details
	if outcome == OutcomeSuccess {
		record.State = StateFound
		record.RetryAfter = nil
	} else {
		cooldown, _ := l.policy.Cooldown(outcome)
		next := now.Add(cooldown)
		record.State = StateSearching
		record.RetryAfter = &next
	}
	if err := l.store.PutRecord(ctx, record); err != nil {
		return Record{}, fmt.Errorf("save retry record %s: %w", entityKey, err)
	}
	l.logger.Debug("attempt recorded",
		zap.String("entity_key", entityKey),
		zap.String("outcome", string(outcome)),
		zap.Int("attempt_count", record.AttemptCount),
		zap.Timep("retry_after", record.RetryAfter),
	)
	return record, nil
}

// Get returns the stored record for entityKey.
func (l *Ledger) Get(ctx context.Context, entityKey string) (Record, error) {
	record, err := l.store.GetRecord(ctx, entityKey)
	if err != nil {
		return Record{}, fmt.Errorf("load retry record %s: %w", entityKey, err)
	}
	return record, nil
}

// Reset deletes the record so the entity is treated as never attempted.
func (l *Ledger) Reset(ctx context.Context, entityKey string) (bool, error) {
	deleted, err := l.store.DeleteRecord(ctx, entityKey)
	if err != nil {
		return false, fmt.Errorf("reset retry record %s: %w", entityKey, err)
	}
	if deleted {
		l.logger.Info("retry record reset", zap.String("entity_key", entityKey))
	}
	return deleted, nil
}
