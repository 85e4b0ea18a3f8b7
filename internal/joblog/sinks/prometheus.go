package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

// PrometheusSink counts job log entries by level.
type PrometheusSink struct {
	entries *prometheus.CounterVec
}

// NewPrometheusSink registers the collector against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipqueue_job_log_entries_total",
			Help: "Job log entries flushed, labeled by level.",
		}, []string{"level"}),
	}
	if err := reg.Register(s.entries); err != nil {
		return nil, fmt.Errorf("register job log collector: %w", err)
	}
	return s, nil
}

// Consume increments the per-level counters.
func (s *PrometheusSink) Consume(_ context.Context, batch []jobs.LogEntry) error {
	for _, e := range batch {
		s.entries.WithLabelValues(string(e.Level)).Inc()
	}
	return nil
}

// Close implements joblog.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
