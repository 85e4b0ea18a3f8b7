package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

const listLogsSQL = `
SELECT id, job_id, level, message, metadata, created_at
FROM job_logs
WHERE job_id = $1 AND id > $2
ORDER BY id
LIMIT $3`

// LogStore implements jobs.LogStore. IDs come from the bigserial column.
type LogStore struct {
	db DB
}

// NewLogStore wraps db.
func NewLogStore(db DB) (*LogStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &LogStore{db: db}, nil
}

// AppendLogs inserts a batch with one statement.
func (s *LogStore) AppendLogs(ctx context.Context, entries []jobs.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	var (
		sb   strings.Builder
		args = make([]any, 0, len(entries)*5)
	)
	sb.WriteString("INSERT INTO job_logs (job_id, level, message, metadata, created_at) VALUES ")
	for i, e := range entries {
		var meta []byte
		if len(e.Metadata) > 0 {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("marshal log metadata: %w", err)
			}
			meta = b
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5)
		args = append(args, e.JobID, string(e.Level), e.Message, meta, e.Timestamp.UTC())
	}
	if _, err := s.db.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert job logs: %w", err)
	}
	return nil
}

// ListLogs returns up to limit entries after afterID in ID order.
func (s *LogStore) ListLogs(ctx context.Context, jobID string, afterID int64, limit int) ([]jobs.LogEntry, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.db.Query(ctx, listLogsSQL, jobID, afterID, lim)
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	defer rows.Close()
	out := []jobs.LogEntry{}
	for rows.Next() {
		var (
			e    jobs.LogEntry
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Message, &meta, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode log metadata: %w", err)
			}
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	return out, nil
}

var _ jobs.LogStore = (*LogStore)(nil)
