// Package supervisor is the control surface of the queue: it enqueues jobs,
// requests cancellation and reads back jobs, logs, workers and retry records.
// The HTTP API and the CLI both sit on top of it.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/retry"
)

// DefaultLogPage is used when StreamLogs is called without a limit.
const DefaultLogPage = 200

// RetryAdmin is the operator view of the retry ledger.
type RetryAdmin interface {
	Get(ctx context.Context, entityKey string) (retry.Record, error)
	Reset(ctx context.Context, entityKey string) (bool, error)
}

// Deps are the collaborators of a Service. Notifier and Retry are optional.
type Deps struct {
	Store    jobs.Store
	Logs     jobs.LogStore
	Leases   jobs.LeaseStore
	Notifier jobs.Notifier
	Retry    RetryAdmin
	IDs      jobs.IDGenerator
	Clock    jobs.Clock
}

// EnqueueRequest describes a new job.
type EnqueueRequest struct {
	Type   jobs.Type
	Name   string
	Params json.RawMessage
}

// Service implements the supervisor operations.
type Service struct {
	store    jobs.Store
	logs     jobs.LogStore
	leases   jobs.LeaseStore
	notifier jobs.Notifier
	retry    RetryAdmin
	ids      jobs.IDGenerator
	clock    jobs.Clock
	logger   *zap.Logger
}

// New validates deps and builds a Service.
func New(deps Deps, logger *zap.Logger) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("job store is required")
	case deps.Logs == nil:
		return nil, errors.New("log store is required")
	case deps.Leases == nil:
		return nil, errors.New("lease store is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    deps.Store,
		logs:     deps.Logs,
		leases:   deps.Leases,
		notifier: deps.Notifier,
		retry:    deps.Retry,
		ids:      deps.IDs,
		clock:    deps.Clock,
		logger:   logger,
	}, nil
}

// Enqueue validates params against the type's schema, stores a queued job and
// wakes idle workers.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (jobs.Job, error) {
	if err := jobs.ValidateParams(req.Type, req.Params); err != nil {
		return jobs.Job{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return jobs.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s %s", req.Type, now.Format(time.DateTime))
	}
	job, err := s.store.Enqueue(ctx, jobs.NewJob{
		ID:        id,
		Type:      req.Type,
		Name:      name,
		Params:    req.Params,
		CreatedAt: now,
	})
	if err != nil {
		return jobs.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	s.appendLog(ctx, job.ID, jobs.LevelInfo, "job enqueued", map[string]any{"type": string(job.Type), "name": job.Name})
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, job.ID); err != nil {
			s.logger.Warn("enqueue notification failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	s.logger.Info("job enqueued", zap.String("job_id", job.ID), zap.String("job_type", string(job.Type)))
	return job, nil
}

// GetJob returns the job with its progress and counters.
func (s *Service) GetJob(ctx context.Context, jobID string) (jobs.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs lists jobs newest first.
func (s *Service) ListJobs(ctx context.Context, filter jobs.ListFilter) ([]jobs.Job, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", jobs.ErrInvalidParams, *filter.Status)
	}
	out, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// RequestCancel flags a job as cancelled. A finished job yields
// jobs.ErrTerminal together with its current state.
func (s *Service) RequestCancel(ctx context.Context, jobID string) (jobs.Job, error) {
	job, err := s.store.RequestCancel(ctx, jobID)
	if err != nil {
		return job, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	s.appendLog(ctx, jobID, jobs.LevelWarn, "cancellation requested", nil)
	s.logger.Info("job cancellation requested", zap.String("job_id", jobID))
	return job, nil
}

// StreamLogs returns up to limit entries with ID greater than after.
func (s *Service) StreamLogs(ctx context.Context, jobID string, after int64, limit int) ([]jobs.LogEntry, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLogPage
	}
	entries, err := s.logs.ListLogs(ctx, jobID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs for %s: %w", jobID, err)
	}
	return entries, nil
}

// FollowLogs calls emit with each new page of entries until the job reaches a
// terminal state and its log is drained, or ctx ends.
func (s *Service) FollowLogs(ctx context.Context, jobID string, after int64, poll time.Duration, emit func([]jobs.LogEntry) error) error {
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		// Read status before the page so entries written just before
		// finalization are never missed.
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		entries, err := s.logs.ListLogs(ctx, jobID, after, DefaultLogPage)
		if err != nil {
			return fmt.Errorf("list logs for %s: %w", jobID, err)
		}
		if len(entries) > 0 {
			if err := emit(entries); err != nil {
				return err
			}
			after = entries[len(entries)-1].ID
			if len(entries) == DefaultLogPage {
				continue
			}
		}
		if job.Status.Terminal() && job.CompletedAt != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("follow logs: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// ListWorkers returns every worker lease.
func (s *Service) ListWorkers(ctx context.Context) ([]jobs.WorkerLease, error) {
	out, err := s.leases.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return out, nil
}

// GetRetry returns the retry record of an entity.
func (s *Service) GetRetry(ctx context.Context, entityKey string) (retry.Record, error) {
	if s.retry == nil {
		return retry.Record{}, errors.New("retry ledger is not configured")
	}
	return s.retry.Get(ctx, entityKey)
}

// ResetRetry deletes the retry record of an entity. It reports whether one
// existed.
func (s *Service) ResetRetry(ctx context.Context, entityKey string) (bool, error) {
	if s.retry == nil {
		return false, errors.New("retry ledger is not configured")
	}
	return s.retry.Reset(ctx, entityKey)
}

func (s *Service) appendLog(ctx context.Context, jobID string, level jobs.Level, msg string, meta map[string]any) {
	err := s.logs.AppendLogs(ctx, []jobs.LogEntry{{
		JobID: jobID, Level: level, Message: msg, Metadata: meta, Timestamp: s.clock.Now(),
	}})
	if err != nil {
		s.logger.Warn("append job log failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
