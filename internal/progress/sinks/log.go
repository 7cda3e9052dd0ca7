package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/jmpumuro/judex/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a durable store is unavailable.
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

// ApplyPatch logs the fields carried by patch.
func (s *LogSink) ApplyPatch(_ context.Context, entityID string, patch progress.Patch) error {
	fields := []zap.Field{
		zap.String("entity_id", entityID),
		zap.Strings("fields", patch.Fields()),
	}
	if patch.Progress != nil {
		fields = append(fields, zap.Float64("progress", *patch.Progress))
	}
	if patch.CurrentStage != nil {
		fields = append(fields, zap.String("stage", *patch.CurrentStage))
	}
	if patch.Status != nil {
		fields = append(fields, zap.String("status", *patch.Status))
	}
	if patch.StatusMessage != nil {
		fields = append(fields, zap.String("message", *patch.StatusMessage))
	}
	if patch.Verdict != nil {
		fields = append(fields, zap.String("verdict", *patch.Verdict))
	}
	s.logger.Info("progress patch", fields...)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
