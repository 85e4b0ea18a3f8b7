package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/metrics"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/retry"
)

// Config tunes the engine.
type Config struct {
	// ScoreFloor is the minimum score a candidate needs to be accepted.
	ScoreFloor    float64
	FetchTimeout  time.Duration
	ResultTopic   string
	ArchivePrefix string
}

// Options carries the engine's collaborators. Archive and Publisher are
// optional.
type Options struct {
	Source     SourceAdapter
	Scorer     Scorer
	Authorizer Authorizer
	Results    ResultStore
	Ledger     AttemptRecorder
	Archive    Archive
	Publisher  Publisher
	IDs        IDGenerator
	Clock      Clock
	Logger     *zap.Logger
	Tracer     trace.Tracer
}

// Engine runs discovery rounds.
type Engine struct {
	cfg        Config
	source     SourceAdapter
	scorer     Scorer
	authorizer Authorizer
	results    ResultStore
	ledger     AttemptRecorder
	archive    Archive
	publisher  Publisher
	ids        IDGenerator
	clock      Clock
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewEngine validates collaborators and returns an Engine.
func NewEngine(cfg Config, opts Options) (*Engine, error) {
	switch {
	case opts.Source == nil:
		return nil, errors.New("source adapter is required")
	case opts.Scorer == nil:
		return nil, errors.New("scorer is required")
	case opts.Authorizer == nil:
		return nil, errors.New("authorizer is required")
	case opts.Results == nil:
		return nil, errors.New("result store is required")
	case opts.Ledger == nil:
		return nil, errors.New("retry ledger is required")
	case opts.IDs == nil || opts.Clock == nil:
		return nil, errors.New("id generator and clock are required")
	}
	if cfg.ScoreFloor < 0 || cfg.ScoreFloor > 10 {
		return nil, fmt.Errorf("score floor must be within [0, 10]")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("clipqueue/discovery")
	}
	return &Engine{
		cfg:        cfg,
		source:     opts.Source,
		scorer:     opts.Scorer,
		authorizer: opts.Authorizer,
		results:    opts.Results,
		ledger:     opts.Ledger,
		archive:    opts.Archive,
		publisher:  opts.Publisher,
		ids:        opts.IDs,
		clock:      opts.Clock,
		logger:     logger,
		tracer:     tracer,
	}, nil
}

// Request is one discovery round for one entity.
type Request struct {
	JobID  string
	Entity Entity
	Gate   Gate
	// Stop, when set, is consulted before each candidate is dispatched.
	Stop Stopper
}

// AcceptedEvent is published for every persisted result.
type AcceptedEvent struct {
	ResultID  string    `json:"result_id"`
	EntityKey string    `json:"entity_key"`
	JobID     string    `json:"job_id"`
	SourceURL string    `json:"source_url"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Discover evaluates every candidate of req.Entity under the job gate, keeps the
// best accepted one and records the round's outcome in the retry ledger. A
// round interrupted by a stop or a done context records nothing and returns
// the interruption error.
func (e *Engine) Discover(ctx context.Context, req Request) (Report, error) {
	if req.Gate == nil {
		return Report{}, errors.New("discover: gate is required")
	}
	entity := req.Entity
	urls := uniqueURLs(entity.CandidateURLs)
	ctx, span := e.tracer.Start(ctx, "discovery.Discover", trace.WithAttributes(
		attribute.String("job_id", req.JobID),
		attribute.String("entity_key", entity.Key),
		attribute.Int("candidates", len(urls)),
	))
	defer span.End()

	report := Report{EntityKey: entity.Key, Candidates: make([]Candidate, len(urls))}
	for i, u := range urls {
		report.Candidates[i] = Candidate{URL: u, Rejection: RejectNotRun}
	}

	var (
		wg          sync.WaitGroup
		interrupted error
	)
	for i, u := range urls {
		if interrupted = stopErr(ctx, req.Stop); interrupted != nil {
			break
		}
		release, err := req.Gate.Acquire(ctx)
		if err != nil {
			interrupted = err
			break
		}
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			defer release()
			report.Candidates[i] = e.evaluate(ctx, u, entity)
		}(i, u)
	}
	wg.Wait()
	if interrupted == nil {
		interrupted = ctx.Err()
	}
	if interrupted != nil {
		span.SetStatus(codes.Error, "interrupted")
		return report, fmt.Errorf("discover %s: %w", entity.Key, interrupted)
	}

	details := ""
	if best := selectBest(report.Candidates); best != nil {
		result, err := e.persist(ctx, req, *best)
		if err != nil {
			report.Outcome = retry.OutcomeStorageError
			details = err.Error()
			e.logger.Error("result persist failed",
				zap.String("entity_key", entity.Key),
				zap.String("job_id", req.JobID),
				zap.Error(err),
			)
		} else {
			report.Outcome = retry.OutcomeSuccess
			report.Result = &result
		}
	} else {
		report.Outcome = dominantOutcome(report.Candidates)
		details = rejectionSummary(report.Candidates)
	}

	record, err := e.ledger.RecordAttempt(ctx, entity.Key, report.Outcome, details)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record attempt")
		return report, fmt.Errorf("record attempt %s: %w", entity.Key, err)
	}
	report.Record = record
	metrics.ObserveEntity(string(report.Outcome))
	span.SetAttributes(attribute.String("outcome", string(report.Outcome)))
	return report, nil
}

func (e *Engine) evaluate(ctx context.Context, rawURL string, entity Entity) Candidate {
	ctx, span := e.tracer.Start(ctx, "discovery.candidate", trace.WithAttributes(attribute.String("url", rawURL)))
	defer span.End()

	c := e.evaluateCandidate(ctx, rawURL, entity)
	verdict := string(c.Rejection)
	if c.Rejection == RejectNone {
		verdict = "accepted"
	}
	metrics.ObserveCandidate(rawURL, verdict)
	span.SetAttributes(attribute.String("verdict", verdict), attribute.Float64("score", c.Score))
	return c
}

func (e *Engine) evaluateCandidate(ctx context.Context, rawURL string, entity Entity) Candidate {
	c := Candidate{URL: rawURL}
	if ok, reason := e.authorizer.Allowed(ctx, rawURL, entity); !ok {
		c.Rejection = RejectNotAllowed
		c.Detail = reason
		return c
	}

	fetchCtx := ctx
	if e.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, e.cfg.FetchTimeout)
		defer cancel()
	}
	extract, err := e.source.Fetch(fetchCtx, rawURL, entity)
	if err != nil {
		c.Rejection = Classify(err)
		c.Detail = err.Error()
		e.logger.Debug("candidate rejected",
			zap.String("entity_key", entity.Key),
			zap.String("url", rawURL),
			zap.String("rejection", string(c.Rejection)),
			zap.Error(err),
		)
		return c
	}
	if strings.TrimSpace(extract.Text) == "" {
		c.Rejection = RejectNoContent
		c.Detail = "no content extracted"
		return c
	}
	c.Extract = &extract

	score, err := e.scorer.Score(ctx, extract.Text, entity)
	if err != nil {
		c.Rejection = RejectTransient
		c.Detail = fmt.Sprintf("score: %v", err)
		return c
	}
	c.Score = score
	if score < e.cfg.ScoreFloor {
		c.Rejection = RejectBelowFloor
		c.Detail = fmt.Sprintf("score %.2f below floor %.2f", score, e.cfg.ScoreFloor)
	}
	return c
}

func (e *Engine) persist(ctx context.Context, req Request, c Candidate) (Result, error) {
	id, err := e.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("result id: %w", err)
	}
	ext := c.Extract
	entity := req.Entity
	sourceURL := ext.URL
	if sourceURL == "" {
		sourceURL = c.URL
	}
	result := Result{
		ID:          id,
		EntityKey:   entity.Key,
		JobID:       req.JobID,
		SourceURL:   sourceURL,
		Source:      ext.Source,
		Title:       ext.Title,
		Text:        ext.Text,
		PublishedAt: ext.PublishedAt,
		Score:       c.Score,
		Status:      ResultPendingReview,
		CreatedAt:   e.clock.Now().UTC(),
		Make:        entity.Make,
		Model:       entity.Model,
		Contact:     entity.Contact,
		Office:      entity.Office,
		ActivityID:  entity.ActivityID,
		PersonID:    entity.PersonID,
	}

	if e.archive != nil && len(ext.Raw) > 0 {
		contentType := ext.ContentType
		if contentType == "" {
			contentType = "text/html; charset=utf-8"
		}
		objectPath := path.Join(e.cfg.ArchivePrefix, req.JobID, safeKey(entity.Key), id)
		uri, err := e.archive.PutObject(ctx, objectPath, contentType, bytes.NewReader(ext.Raw))
		if err != nil {
			e.logger.Warn("archive payload failed", zap.String("entity_key", entity.Key), zap.Error(err))
		} else {
			result.ArchiveURI = uri
		}
	}

	if err := e.results.SaveResult(ctx, result); err != nil {
		if !errors.Is(err, ErrDuplicateResult) {
			return Result{}, fmt.Errorf("save result: %w", err)
		}
		e.logger.Info("result already recorded for job",
			zap.String("entity_key", entity.Key),
			zap.String("job_id", req.JobID),
		)
		return result, nil
	}

	if e.publisher != nil && e.cfg.ResultTopic != "" {
		event := AcceptedEvent{
			ResultID:  result.ID,
			EntityKey: result.EntityKey,
			JobID:     result.JobID,
			SourceURL: result.SourceURL,
			Score:     result.Score,
			CreatedAt: result.CreatedAt,
		}
		if _, err := e.publisher.Publish(ctx, e.cfg.ResultTopic, event); err != nil {
			e.logger.Warn("publish accepted result failed", zap.String("result_id", result.ID), zap.Error(err))
		}
	}
	return result, nil
}

// selectBest returns the accepted candidate with the highest score, the most
// recent publish time among equal scores, and the smallest URL after that.
func selectBest(candidates []Candidate) *Candidate {
	var best *Candidate
	for i := range candidates {
		c := &candidates[i]
		if c.Rejection != RejectNone || c.Extract == nil {
			continue
		}
		if best == nil || better(c, best) {
			best = c
		}
	}
	return best
}

func better(a, b *Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	pa, pb := a.Extract.PublishedAt, b.Extract.PublishedAt
	switch {
	case pa != nil && pb == nil:
		return true
	case pa == nil && pb != nil:
		return false
	case pa != nil && pb != nil && !pa.Equal(*pb):
		return pa.After(*pb)
	}
	return a.URL < b.URL
}

var outcomePrecedence = []retry.Outcome{
	retry.OutcomeContentNotFound,
	retry.OutcomeLowQualityMatch,
	retry.OutcomeTransientFetchError,
	retry.OutcomeAccessDenied,
}

// dominantOutcome classifies a round with no accepted candidate. Candidates
// refused by the authorizer were never attempted and do not vote.
func dominantOutcome(candidates []Candidate) retry.Outcome {
	seen := map[retry.Outcome]bool{}
	for _, c := range candidates {
		if c.Rejection == RejectNone || c.Rejection == RejectNotAllowed || c.Rejection == RejectNotRun {
			continue
		}
		seen[c.Rejection.Outcome()] = true
	}
	for _, o := range outcomePrecedence {
		if seen[o] {
			return o
		}
	}
	return retry.OutcomeContentNotFound
}

func rejectionSummary(candidates []Candidate) string {
	if len(candidates) == 0 {
		return "no candidate urls"
	}
	counts := map[Rejection]int{}
	for _, c := range candidates {
		counts[c.Rejection]++
	}
	parts := make([]string, 0, len(counts))
	for r, n := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", r, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func uniqueURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func safeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}

func stopErr(ctx context.Context, stop Stopper) error {
	if stop != nil {
		if err := stop.Err(); err != nil {
			return err
		}
	}
	return ctx.Err()
}
