package handlers

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/discovery"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/limiter"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/loans"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/metrics"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/retry"
)

// LoansLoader fetches the entities of a loans report.
type LoansLoader interface {
	Load(ctx context.Context, url string) ([]discovery.Entity, error)
}

// Admitter decides whether an entity is due and records skips.
type Admitter interface {
	Admit(ctx context.Context, jobID, entityKey string) (retry.Decision, error)
}

// Discoverer runs one discovery round.
type Discoverer interface {
	Discover(ctx context.Context, req discovery.Request) (discovery.Report, error)
}

// CSVUploadConfig bounds a csv_upload job.
type CSVUploadConfig struct {
	// Concurrency is the width of the job-wide candidate gate.
	Concurrency int
	// MaxInFlightEntities caps entities dispatched at once. Zero means
	// Concurrency.
	MaxInFlightEntities int
}

// CSVUpload runs discovery over every loan of a report.
type CSVUpload struct {
	cfg    CSVUploadConfig
	loader LoansLoader
	ledger Admitter
	engine Discoverer
	logger *zap.Logger
}

// NewCSVUpload wires a CSVUpload handler.
func NewCSVUpload(cfg CSVUploadConfig, loader LoansLoader, ledger Admitter, engine Discoverer, logger *zap.Logger) (*CSVUpload, error) {
	if loader == nil || ledger == nil || engine == nil {
		return nil, errors.New("csv upload: loader, ledger and engine are required")
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("csv upload: concurrency must be positive")
	}
	if cfg.MaxInFlightEntities <= 0 {
		cfg.MaxInFlightEntities = cfg.Concurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSVUpload{cfg: cfg, loader: loader, ledger: ledger, engine: engine, logger: logger.Named("csv_upload")}, nil
}

// Handle implements jobs.Handler.
func (h *CSVUpload) Handle(ctx context.Context, run jobs.Run) error {
	job := run.Job()
	params, err := jobs.DecodeParams[jobs.CSVUploadParams](job.Params)
	if err != nil {
		return err
	}
	if params.URL == "" {
		return fmt.Errorf("%w: no url provided", jobs.ErrInvalidParams)
	}

	run.Log(jobs.LevelInfo, "loading loans", map[string]any{"url": params.URL})
	entities, err := h.loader.Load(ctx, params.URL)
	if err != nil {
		return fmt.Errorf("load loans: %w", err)
	}
	run.Log(jobs.LevelInfo, fmt.Sprintf("loaded %d loans", len(entities)), nil)

	entities = loans.Filter(entities, params.Filters, params.Limit)
	run.Log(jobs.LevelInfo, fmt.Sprintf("processing %d loans after filters", len(entities)), nil)
	if err := run.SetTotal(ctx, len(entities)); err != nil {
		return err
	}

	gate, err := limiter.New(h.cfg.Concurrency)
	if err != nil {
		return err
	}
	token := run.Token()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.MaxInFlightEntities)
	for _, entity := range entities {
		if token.Err() != nil || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return h.processEntity(gctx, run, gate, entity)
		})
	}
	waitErr := g.Wait()
	if err := token.Err(); err != nil {
		return err
	}
	if waitErr != nil {
		return waitErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c := run.Counters()
	run.Log(jobs.LevelInfo, "csv upload finished", map[string]any{
		"processed": c.Processed,
		"succeeded": c.Succeeded,
		"failed":    c.Failed,
		"skipped":   c.Skipped,
		"errors":    c.Errors,
		"peak":      gate.Peak(),
	})
	return nil
}

// processEntity returns an error only when progress can no longer be
// persisted. Entity level failures are counted and the job continues.
func (h *CSVUpload) processEntity(ctx context.Context, run jobs.Run, gate discovery.Gate, entity discovery.Entity) error {
	// g.Go may have blocked on a free slot while the token fired.
	if run.Token().Err() != nil || ctx.Err() != nil {
		return nil
	}
	jobID := run.Job().ID
	decision, err := h.ledger.Admit(ctx, jobID, entity.Key)
	if err != nil {
		h.logger.Error("retry check failed", zap.String("job_id", jobID), zap.String("entity_key", entity.Key), zap.Error(err))
		run.Log(jobs.LevelError, "retry check failed", map[string]any{"entity_key": entity.Key, "error": err.Error()})
		return run.Complete(ctx, jobs.Counters{Errors: 1})
	}
	if !decision.Attempt {
		metrics.ObserveSkip(string(decision.Reason))
		meta := map[string]any{"entity_key": entity.Key, "reason": string(decision.Reason)}
		if decision.Record.RetryAfter != nil {
			meta["retry_after"] = decision.Record.RetryAfter
		}
		run.Log(jobs.LevelInfo, "entity skipped", meta)
		return run.Complete(ctx, jobs.Counters{Skipped: 1})
	}

	report, err := h.engine.Discover(ctx, discovery.Request{
		JobID:  jobID,
		Entity: entity,
		Gate:   gate,
		Stop:   run.Token(),
	})
	if err != nil {
		if run.Token().Err() != nil || ctx.Err() != nil {
			// Interrupted rounds are neither counted nor recorded.
			return nil
		}
		h.logger.Error("discovery failed", zap.String("job_id", jobID), zap.String("entity_key", entity.Key), zap.Error(err))
		run.Log(jobs.LevelError, "discovery failed", map[string]any{"entity_key": entity.Key, "error": err.Error()})
		return run.Complete(ctx, jobs.Counters{Errors: 1})
	}

	delta := jobs.Counters{Processed: 1}
	meta := map[string]any{"entity_key": entity.Key, "outcome": string(report.Outcome)}
	if report.Outcome == retry.OutcomeSuccess {
		delta.Succeeded = 1
		meta["url"] = report.Result.SourceURL
		meta["score"] = report.Result.Score
		run.Log(jobs.LevelInfo, "clip found", meta)
	} else {
		delta.Failed = 1
		run.Log(jobs.LevelInfo, "no clip found", meta)
	}
	return run.Complete(ctx, delta)
}

var _ jobs.Handler = (*CSVUpload)(nil)
