package postgres

import (
	"context"
	"fmt"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/discovery"
)

const (
	resultColumns = `id, entity_key, job_id, source_url, source, title, body, published_at, score, status,
	archive_uri, created_at, make, model, contact, office, activity_id, person_id`

	saveResultSQL = `INSERT INTO results (` + resultColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	countResultsSQL = `SELECT count(*) FROM results WHERE created_at >= $1 AND created_at < $2`

	listResultsSQL = `SELECT ` + resultColumns + ` FROM results
WHERE created_at >= $1 AND created_at < $2 AND id > $3
ORDER BY id
LIMIT $4`

	updateScoreSQL = `UPDATE results SET score = $2 WHERE id = $1`
)

// ResultStore implements discovery.ResultStore.
type ResultStore struct {
	db DB
}

// NewResultStore wraps db.
func NewResultStore(db DB) (*ResultStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ResultStore{db: db}, nil
}

// SaveResult inserts a result. A second result for the same entity and job
// maps to discovery.ErrDuplicateResult.
func (s *ResultStore) SaveResult(ctx context.Context, r discovery.Result) error {
	_, err := s.db.Exec(ctx, saveResultSQL,
		r.ID, r.EntityKey, r.JobID, r.SourceURL, r.Source, r.Title, r.Text, utcPtr(r.PublishedAt), r.Score, string(r.Status),
		r.ArchiveURI, r.CreatedAt.UTC(), r.Make, r.Model, r.Contact, r.Office, r.ActivityID, r.PersonID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return discovery.ErrDuplicateResult
		}
		return fmt.Errorf("insert result %s: %w", r.ID, err)
	}
	return nil
}

// CountResults counts results created in [From, To).
func (s *ResultStore) CountResults(ctx context.Context, w discovery.Window) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, countResultsSQL, w.From.UTC(), w.To.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}

// ListResults pages through the window by ascending ID.
func (s *ResultStore) ListResults(ctx context.Context, w discovery.Window, afterID string, limit int) ([]discovery.Result, error) {
	rows, err := s.db.Query(ctx, listResultsSQL, w.From.UTC(), w.To.UTC(), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()
	out := []discovery.Result{}
	for rows.Next() {
		var r discovery.Result
		if err := rows.Scan(
			&r.ID, &r.EntityKey, &r.JobID, &r.SourceURL, &r.Source, &r.Title, &r.Text, &r.PublishedAt, &r.Score, &r.Status,
			&r.ArchiveURI, &r.CreatedAt, &r.Make, &r.Model, &r.Contact, &r.Office, &r.ActivityID, &r.PersonID,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		r.PublishedAt = utcPtr(r.PublishedAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return out, nil
}

// UpdateResultScore overwrites a stored score.
func (s *ResultStore) UpdateResultScore(ctx context.Context, id string, score float64) error {
	tag, err := s.db.Exec(ctx, updateScoreSQL, id, score)
	if err != nil {
		return fmt.Errorf("update result score %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("result %s not found", id)
	}
	return nil
}

var _ discovery.ResultStore = (*ResultStore)(nil)
