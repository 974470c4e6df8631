package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/downloader-pool/internal/progress"
)

// LogSink emits one structured log line per task event.
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
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("trace_id", evt.TaskUUID()),
			zap.String("task_id", evt.ShortID),
			zap.String("stage", string(evt.Stage)),
			zap.String("site", evt.Site),
			zap.String("url", evt.URL),
			zap.Int("attempts", evt.Attempts),
		}
		if evt.WorkerID != "" {
			fields = append(fields, zap.String("worker_id", evt.WorkerID))
		}
		if evt.Stage == progress.StageFinished {
			fields = append(fields,
				zap.Int("status_code", evt.StatusCode),
				zap.Int64("bytes", evt.Bytes),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("task event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
