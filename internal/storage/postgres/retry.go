package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/retry"
)

const (
	getRecordSQL = `
SELECT entity_key, state, attempt_count, last_attempt_at, last_result, retry_after, details
FROM retry_records WHERE entity_key = $1`

	// The WHERE clause keeps found terminal even under concurrent writers.
	putRecordSQL = `
INSERT INTO retry_records (entity_key, state, attempt_count, last_attempt_at, last_result, retry_after, details)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (entity_key) DO UPDATE SET
	state = EXCLUDED.state,
	attempt_count = EXCLUDED.attempt_count,
	last_attempt_at = EXCLUDED.last_attempt_at,
	last_result = EXCLUDED.last_result,
	retry_after = EXCLUDED.retry_after,
	details = EXCLUDED.details
WHERE retry_records.state <> 'found' OR EXCLUDED.state = 'found'`

	appendSkipSQL = `
INSERT INTO retry_skips (entity_key, job_id, reason, retry_after, created_at)
VALUES ($1, $2, $3, $4, $5)`

	deleteRecordSQL = `DELETE FROM retry_records WHERE entity_key = $1`
)

// RetryStore implements retry.Store.
type RetryStore struct {
	db DB
}

// NewRetryStore wraps db.
func NewRetryStore(db DB) (*RetryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RetryStore{db: db}, nil
}

// GetRecord returns retry.ErrNotFound for unseen entities.
func (s *RetryStore) GetRecord(ctx context.Context, key string) (retry.Record, error) {
	var (
		rec        retry.Record
		lastResult *string
	)
	err := s.db.QueryRow(ctx, getRecordSQL, key).Scan(
		&rec.EntityKey, &rec.State, &rec.AttemptCount, &rec.LastAttemptAt, &lastResult, &rec.RetryAfter, &rec.Details,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return retry.Record{}, retry.ErrNotFound
	}
	if err != nil {
		return retry.Record{}, fmt.Errorf("get retry record %s: %w", key, err)
	}
	rec.LastResult = retry.Outcome(derefString(lastResult))
	rec.LastAttemptAt = utcPtr(rec.LastAttemptAt)
	rec.RetryAfter = utcPtr(rec.RetryAfter)
	return rec, nil
}

// PutRecord upserts a record without ever demoting found.
func (s *RetryStore) PutRecord(ctx context.Context, rec retry.Record) error {
	_, err := s.db.Exec(ctx, putRecordSQL,
		rec.EntityKey, string(rec.State), rec.AttemptCount, utcPtr(rec.LastAttemptAt),
		nullString(string(rec.LastResult)), utcPtr(rec.RetryAfter), rec.Details,
	)
	if err != nil {
		return fmt.Errorf("put retry record %s: %w", rec.EntityKey, err)
	}
	return nil
}

// AppendSkip records a skip event.
func (s *RetryStore) AppendSkip(ctx context.Context, ev retry.SkipEvent) error {
	_, err := s.db.Exec(ctx, appendSkipSQL, ev.EntityKey, ev.JobID, string(ev.Reason), utcPtr(ev.RetryAfter), ev.At.UTC())
	if err != nil {
		return fmt.Errorf("append skip %s: %w", ev.EntityKey, err)
	}
	return nil
}

// DeleteRecord removes a record and reports whether it existed.
func (s *RetryStore) DeleteRecord(ctx context.Context, key string) (bool, error) {
	tag, err := s.db.Exec(ctx, deleteRecordSQL, key)
	if err != nil {
		return false, fmt.Errorf("delete retry record %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

var _ retry.Store = (*RetryStore)(nil)
