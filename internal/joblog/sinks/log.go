package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

// LogSink mirrors job log entries into the process log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each entry at its own level.
func (s *LogSink) Consume(_ context.Context, batch []jobs.LogEntry) error {
	for _, e := range batch {
		fields := make([]zap.Field, 0, 2+len(e.Metadata))
		fields = append(fields, zap.String("job_id", e.JobID), zap.Time("entry_ts", e.Timestamp))
		for k, v := range e.Metadata {
			fields = append(fields, zap.Any(k, v))
		}
		if ce := s.logger.Check(zapLevel(e.Level), e.Message); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements joblog.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func zapLevel(l jobs.Level) zapcore.Level {
	switch l {
	case jobs.LevelDebug:
		return zapcore.DebugLevel
	case jobs.LevelWarn:
		return zapcore.WarnLevel
	case jobs.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
