package handlers

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/discovery"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

const defaultReprocessPage = 100

// Reprocess re-scores stored results created inside a date window. Retry
// records are never touched, so found entities stay found.
type Reprocess struct {
	results  discovery.ResultStore
	scorer   discovery.Scorer
	pageSize int
	logger   *zap.Logger
}

// NewReprocess wires a historical_reprocessing handler.
func NewReprocess(results discovery.ResultStore, scorer discovery.Scorer, pageSize int, logger *zap.Logger) (*Reprocess, error) {
	if results == nil || scorer == nil {
		return nil, errors.New("reprocess: result store and scorer are required")
	}
	if pageSize <= 0 {
		pageSize = defaultReprocessPage
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reprocess{results: results, scorer: scorer, pageSize: pageSize, logger: logger.Named("reprocess")}, nil
}

// Handle implements jobs.Handler.
func (h *Reprocess) Handle(ctx context.Context, run jobs.Run) error {
	job := run.Job()
	params, err := jobs.DecodeParams[jobs.ReprocessParams](job.Params)
	if err != nil {
		return err
	}
	from, to, err := params.Window()
	if err != nil {
		return err
	}
	window := discovery.Window{From: from, To: to}

	total, err := h.results.CountResults(ctx, window)
	if err != nil {
		return fmt.Errorf("count results: %w", err)
	}
	if err := run.SetTotal(ctx, total); err != nil {
		return err
	}
	run.Log(jobs.LevelInfo, fmt.Sprintf("re-scoring %d results", total), map[string]any{
		"start_date": params.StartDate,
		"end_date":   params.EndDate,
	})

	token := run.Token()
	afterID := ""
	for {
		if err := token.Err(); err != nil {
			return err
		}
		page, err := h.results.ListResults(ctx, window, afterID, h.pageSize)
		if err != nil {
			return fmt.Errorf("list results: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, res := range page {
			if err := token.Err(); err != nil {
				return err
			}
			if err := run.Complete(ctx, h.rescore(ctx, res)); err != nil {
				return err
			}
		}
		afterID = page[len(page)-1].ID
	}
	if err := token.Err(); err != nil {
		return err
	}
	c := run.Counters()
	run.Log(jobs.LevelInfo, "reprocessing finished", map[string]any{"processed": c.Processed, "changed": c.Succeeded, "errors": c.Errors})
	return nil
}

// rescore counts a changed score as Succeeded.
func (h *Reprocess) rescore(ctx context.Context, res discovery.Result) jobs.Counters {
	score, err := h.scorer.Score(ctx, res.Text, entityOf(res))
	if err != nil {
		h.logger.Warn("score failed", zap.String("result_id", res.ID), zap.Error(err))
		return jobs.Counters{Errors: 1}
	}
	if math.Abs(score-res.Score) < 1e-9 {
		return jobs.Counters{Processed: 1}
	}
	if err := h.results.UpdateResultScore(ctx, res.ID, score); err != nil {
		h.logger.Warn("update score failed", zap.String("result_id", res.ID), zap.Error(err))
		return jobs.Counters{Errors: 1}
	}
	return jobs.Counters{Processed: 1, Succeeded: 1}
}

func entityOf(res discovery.Result) discovery.Entity {
	return discovery.Entity{
		Key:        res.EntityKey,
		ActivityID: res.ActivityID,
		PersonID:   res.PersonID,
		Make:       res.Make,
		Model:      res.Model,
		Contact:    res.Contact,
		Office:     res.Office,
	}
}

var _ jobs.Handler = (*Reprocess)(nil)
