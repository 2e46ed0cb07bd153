// Package sinks contains Sink implementations for the status hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/jmansell/quotewatch/internal/status"
)

// LogSink emits structured logs for the per-source status feed. It is useful
// during development or audits where no dashboard is attached.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []status.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("category", evt.Category),
			zap.String("region", evt.Region),
			zap.String("state", string(evt.State)),
			zap.String("run_id", evt.RunID),
			zap.Int("total_records", evt.TotalRecords),
			zap.Int("stored", evt.Stored),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("source status", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
