// Package worker claims jobs, runs their handlers under a heartbeat and
// finalizes them exactly once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/joblog"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/metrics"
)

// ShutdownRequeueMessage is written to error_message when a stopping worker
// hands its job back.
const ShutdownRequeueMessage = "worker shutdown - job will be retried"

// Config controls Worker behavior.
type Config struct {
	ID                   string
	Version              string
	HeartbeatInterval    time.Duration
	PollInterval         time.Duration
	ProgressBatch        int
	MaxConsecutiveErrors int
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	// FinalizeTimeout bounds the terminal writes made after the run context
	// is gone.
	FinalizeTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ProgressBatch <= 0 {
		c.ProgressBatch = 10
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 30 * time.Second
	}
}

// Deps are the collaborators of a Worker. Logs and Notifier are optional.
type Deps struct {
	Store    jobs.Store
	Leases   jobs.LeaseStore
	Notifier jobs.Notifier
	Handler  jobs.Handler
	Logs     joblog.Emitter
	Clock    jobs.Clock
}

// Worker runs one claim loop.
type Worker struct {
	cfg      Config
	store    jobs.Store
	leases   jobs.LeaseStore
	notifier jobs.Notifier
	handler  jobs.Handler
	logs     joblog.Emitter
	clock    jobs.Clock
	tracer   trace.Tracer
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration)

	// leaseRenewedAt is only touched by the claim loop goroutine.
	leaseRenewedAt time.Time
}

// New validates deps and builds a Worker.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Worker, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if deps.Store == nil || deps.Leases == nil || deps.Handler == nil || deps.Clock == nil {
		return nil, fmt.Errorf("worker %s: store, leases, handler and clock are required", cfg.ID)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()
	return &Worker{
		cfg:      cfg,
		store:    deps.Store,
		leases:   deps.Leases,
		notifier: deps.Notifier,
		handler:  deps.Handler,
		logs:     deps.Logs,
		clock:    deps.Clock,
		tracer:   otel.Tracer("github.com/aininja-pro/DriveShop-Clip-sub000/internal/worker"),
		logger:   logger.With(zap.String("worker_id", cfg.ID)),
		sleep:    sleepCtx,
	}, nil
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return w.cfg.ID }

// Run registers the lease and claims jobs until ctx ends. It returns an error
// only when MaxConsecutiveErrors loop iterations failed in a row.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}
	defer w.setLease(context.WithoutCancel(ctx), jobs.WorkerOffline, "")
	w.logger.Info("worker started",
		zap.Duration("heartbeat_interval", w.cfg.HeartbeatInterval),
		zap.Duration("poll_interval", w.cfg.PollInterval),
	)

	consecutive := 0
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return nil
		}
		err := w.iterate(ctx)
		if err == nil {
			consecutive = 0
			continue
		}
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return nil
		}
		consecutive++
		w.logger.Error("worker loop error", zap.Int("consecutive", consecutive), zap.Error(err))
		if consecutive >= w.cfg.MaxConsecutiveErrors {
			return fmt.Errorf("worker %s: %d consecutive errors: %w", w.cfg.ID, consecutive, err)
		}
		w.sleep(ctx, w.backoff(consecutive))
	}
}

// backoff is min(cap, base·2^n) for the n-th consecutive error.
func (w *Worker) backoff(n int) time.Duration {
	d := w.cfg.BackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= w.cfg.BackoffCap {
			return w.cfg.BackoffCap
		}
	}
	return min(d, w.cfg.BackoffCap)
}

func (w *Worker) iterate(ctx context.Context) error {
	job, err := w.store.ClaimNext(ctx, w.cfg.ID, w.clock.Now())
	if errors.Is(err, jobs.ErrNoJobs) {
		w.renewIdleLease(ctx)
		w.idle(ctx)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim next job: %w", err)
	}
	return w.process(ctx, job)
}

// renewIdleLease refreshes the lease of a worker with nothing to claim, at
// most once per heartbeat interval.
func (w *Worker) renewIdleLease(ctx context.Context) {
	if w.clock.Now().Sub(w.leaseRenewedAt) < w.cfg.HeartbeatInterval {
		return
	}
	w.setLease(ctx, jobs.WorkerIdle, "")
}

// idle waits for an enqueue notification or the poll interval, never longer
// than one heartbeat interval.
func (w *Worker) idle(ctx context.Context) {
	wait := min(w.cfg.PollInterval, w.cfg.HeartbeatInterval)
	if w.notifier == nil {
		w.sleep(ctx, wait)
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := w.notifier.Wait(waitCtx); err != nil && waitCtx.Err() == nil {
		w.logger.Debug("notifier wait failed", zap.Error(err))
		w.sleep(ctx, wait)
	}
}

func (w *Worker) process(ctx context.Context, job jobs.Job) error {
	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("job_type", string(job.Type)))

	if job.Status == jobs.StatusCancelled {
		logger.Info("job cancelled before it started")
		_, err := w.finish(context.WithoutCancel(ctx), logger, job, jobs.StatusCancelled, jobs.Counters{}, jobs.ErrCancelled.Error())
		return err
	}

	w.setLease(ctx, jobs.WorkerBusy, job.ID)
	defer w.setLease(context.WithoutCancel(ctx), jobs.WorkerIdle, "")
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	spanCtx, span := w.tracer.Start(ctx, "job "+string(job.Type), trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.String("worker.id", w.cfg.ID),
	))
	defer span.End()

	r := newRun(job, w.cfg.ID, w.store, w.logs, w.clock, w.cfg.ProgressBatch)
	jobCtx, cancelJob := context.WithCancel(spanCtx)
	defer cancelJob()

	stopWatch := context.AfterFunc(ctx, func() { r.token.Stop(jobs.StopShutdown) })
	defer stopWatch()

	hbCtx, stopHeartbeat := context.WithCancel(jobCtx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		w.heartbeat(hbCtx, r, cancelJob, logger)
	}()

	logger.Info("job started")
	r.Log(jobs.LevelInfo, "job started", map[string]any{"worker_id": w.cfg.ID})
	start := time.Now()

	var handlerErr error
	if err := r.Flush(jobCtx); err != nil {
		handlerErr = err
	} else if r.token.Err() == nil {
		handlerErr = w.handle(jobCtx, r)
	}
	stopHeartbeat()
	hbWG.Wait()

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FinalizeTimeout)
	defer cancel()
	status, err := w.conclude(finalCtx, logger, r, handlerErr)
	if status != "" {
		span.SetAttributes(attribute.String("job.status", string(status)))
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case status == jobs.StatusFailed:
		span.SetStatus(codes.Error, "job failed")
	}
	logger.Info("job finished",
		zap.String("status", string(status)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Any("counters", r.Counters()),
	)
	return err
}

// handle runs the handler and converts a panic into a job failure.
func (w *Worker) handle(ctx context.Context, r *run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return w.handler.Handle(ctx, r)
}

func (w *Worker) heartbeat(ctx context.Context, r *run, abandon context.CancelFunc, logger *zap.Logger) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := w.clock.Now()
		status, err := w.store.Heartbeat(ctx, r.job.ID, w.cfg.ID, now)
		switch {
		case errors.Is(err, jobs.ErrLeaseLost):
			logger.Warn("job lease lost", zap.String("status", string(status)))
			r.token.Stop(jobs.StopLeaseLost)
			abandon()
			return
		case err != nil:
			if ctx.Err() == nil {
				logger.Warn("heartbeat failed", zap.Error(err))
			}
			continue
		}
		r.observe(status)
		if err := w.leases.UpdateWorker(ctx, w.cfg.ID, jobs.WorkerBusy, r.job.ID, now); err != nil && ctx.Err() == nil {
			logger.Debug("lease heartbeat failed", zap.Error(err))
		}
	}
}

// conclude picks the terminal path for a run. The returned status is empty
// when the job was requeued or abandoned.
func (w *Worker) conclude(ctx context.Context, logger *zap.Logger, r *run, handlerErr error) (jobs.Status, error) {
	reason := r.token.Reason()
	switch {
	case reason == jobs.StopLeaseLost || errors.Is(handlerErr, jobs.ErrLeaseLost):
		logger.Warn("abandoning job after lease loss")
		return "", nil

	case handlerErr == nil && reason != jobs.StopCancelled:
		return w.flushAndFinish(ctx, logger, r, jobs.StatusCompleted, "")

	case reason == jobs.StopShutdown || errors.Is(handlerErr, jobs.ErrShutdown):
		return w.release(ctx, logger, r)

	case reason == jobs.StopCancelled || errors.Is(handlerErr, jobs.ErrCancelled):
		r.Log(jobs.LevelWarn, "job cancelled", nil)
		return w.flushAndFinish(ctx, logger, r, jobs.StatusCancelled, jobs.ErrCancelled.Error())

	default:
		r.Log(jobs.LevelError, "job failed", map[string]any{"error": handlerErr.Error()})
		return w.flushAndFinish(ctx, logger, r, jobs.StatusFailed, handlerErr.Error())
	}
}

func (w *Worker) flushAndFinish(ctx context.Context, logger *zap.Logger, r *run, status jobs.Status, msg string) (jobs.Status, error) {
	if err := r.Flush(ctx); err != nil {
		logger.Warn("final progress write failed", zap.Error(err))
	}
	if r.token.Reason() == jobs.StopLeaseLost {
		logger.Warn("abandoning job after lease loss")
		return "", nil
	}
	return w.finishRun(ctx, logger, r, status, msg)
}

func (w *Worker) finishRun(ctx context.Context, logger *zap.Logger, r *run, status jobs.Status, msg string) (jobs.Status, error) {
	final, err := w.finish(ctx, logger, r.job, status, r.Counters(), msg)
	if err != nil {
		return "", err
	}
	c := r.Counters()
	r.Log(jobs.LevelInfo, "job finished", map[string]any{
		"status":    string(final),
		"processed": c.Processed,
		"succeeded": c.Succeeded,
		"failed":    c.Failed,
		"skipped":   c.Skipped,
		"errors":    c.Errors,
	})
	return final, nil
}

// release handles a shutdown: a job cancelled meanwhile is finalized, any
// other job goes back to the queue.
func (w *Worker) release(ctx context.Context, logger *zap.Logger, r *run) (jobs.Status, error) {
	job, err := w.store.GetJob(ctx, r.job.ID)
	if err != nil {
		return "", fmt.Errorf("re-read job %s on shutdown: %w", r.job.ID, err)
	}
	if job.Status == jobs.StatusCancelled {
		return w.finishRun(ctx, logger, r, jobs.StatusCancelled, jobs.ErrCancelled.Error())
	}
	ok, err := w.store.Requeue(ctx, r.job.ID, w.cfg.ID, ShutdownRequeueMessage)
	if err != nil {
		return "", fmt.Errorf("requeue job %s: %w", r.job.ID, err)
	}
	if ok {
		logger.Info("job requeued on shutdown")
		r.Log(jobs.LevelWarn, ShutdownRequeueMessage, nil)
	}
	return "", nil
}

// finish finalizes job and returns the status the store recorded.
func (w *Worker) finish(ctx context.Context, logger *zap.Logger, job jobs.Job, status jobs.Status, counters jobs.Counters, msg string) (jobs.Status, error) {
	final, err := w.store.Finalize(ctx, jobs.Finalization{
		JobID:        job.ID,
		WorkerID:     w.cfg.ID,
		Status:       status,
		Counters:     counters,
		ErrorMessage: msg,
		At:           w.clock.Now(),
	})
	if errors.Is(err, jobs.ErrLeaseLost) {
		logger.Warn("finalize refused, job owned elsewhere", zap.String("status", string(final)))
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("finalize job %s: %w", job.ID, err)
	}
	metrics.ObserveJob(string(job.Type), string(final))
	return final, nil
}

func (w *Worker) register(ctx context.Context) error {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	now := w.clock.Now()
	err = w.leases.RegisterWorker(ctx, jobs.WorkerLease{
		WorkerID:        w.cfg.ID,
		Hostname:        host,
		PID:             os.Getpid(),
		Version:         w.cfg.Version,
		Status:          jobs.WorkerIdle,
		StartedAt:       now,
		LastHeartbeatAt: now,
	})
	if err != nil {
		return fmt.Errorf("register worker %s: %w", w.cfg.ID, err)
	}
	w.leaseRenewedAt = now
	return nil
}

func (w *Worker) setLease(ctx context.Context, status jobs.WorkerStatus, jobID string) {
	now := w.clock.Now()
	if err := w.leases.UpdateWorker(ctx, w.cfg.ID, status, jobID, now); err != nil {
		w.logger.Warn("update worker lease failed", zap.String("status", string(status)), zap.Error(err))
		return
	}
	w.leaseRenewedAt = now
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
