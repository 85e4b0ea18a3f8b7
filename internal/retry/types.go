// Package retry implements the per-entity attempt ledger: whether an entity is
// due for another discovery attempt, and the fixed cooldown applied after each
// classified outcome.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for an entity.
var ErrNotFound = errors.New("retry record not found")

// State is the lifecycle of a RetryRecord.
type State string

// Record states. StateFound is terminal.
const (
	StateNeverAttempted State = "never_attempted"
	StateSearching      State = "searching"
	StateFound          State = "found"
)

// Outcome is the closed set of classified discovery results.
type Outcome string

// Discovery outcomes recorded against an entity.
const (
	OutcomeSuccess             Outcome = "success"
	OutcomeContentNotFound     Outcome = "content_not_found"
	OutcomeLowQualityMatch     Outcome = "low_quality_match"
	OutcomeTransientFetchError Outcome = "transient_fetch_error"
	OutcomeAccessDenied        Outcome = "access_denied"
	OutcomeStorageError        Outcome = "storage_error"
)

// Outcomes lists every outcome in a stable order.
func Outcomes() []Outcome {
	return []Outcome{
		OutcomeSuccess,
		OutcomeContentNotFound,
		OutcomeLowQualityMatch,
		OutcomeTransientFetchError,
		OutcomeAccessDenied,
		OutcomeStorageError,
	}
}

// Valid reports whether o is part of the closed outcome set.
func (o Outcome) Valid() bool {
	for _, known := range Outcomes() {
		if o == known {
			return true
		}
	}
	return false
}

// Record is the durable attempt history of one entity. RetryAfter is set
// exactly when State is StateSearching.
type Record struct {
	EntityKey     string     `json:"entity_key"`
	State         State      `json:"state"`
	AttemptCount  int        `json:"attempt_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastResult    Outcome    `json:"last_attempt_result,omitempty"`
	RetryAfter    *time.Time `json:"retry_after,omitempty"`
	Details       string     `json:"details,omitempty"`
}

// SkipReason explains why an entity was not attempted.
type SkipReason string

// Skip reasons written to the audit trail.
const (
	SkipAlreadyFound SkipReason = "already_found"
	SkipCooldown     SkipReason = "retry_cooldown"
)

// SkipEvent is an audit row written whenever a job skips an entity.
type SkipEvent struct {
	EntityKey  string     `json:"entity_key"`
	JobID      string     `json:"job_id"`
	Reason     SkipReason `json:"reason"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
	At         time.Time  `json:"at"`
}

// Store persists retry records and skip events. PutRecord must never replace a
// record whose stored state is StateFound.
type Store interface {
	GetRecord(ctx context.Context, entityKey string) (Record, error)
	PutRecord(ctx context.Context, record Record) error
	AppendSkip(ctx context.Context, event SkipEvent) error
	DeleteRecord(ctx context.Context, entityKey string) (bool, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}
