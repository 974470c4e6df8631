package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/downloader-pool/internal/progress"
	"github.com/JakeFAU/downloader-pool/internal/store"
)

// StoreSink archives task runs and their events via a store.TaskRepository.
type StoreSink struct {
	repo   store.TaskRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.TaskRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes run rows first, then the event rows of the whole batch, then
// terminal outcomes, so a run always exists before anything references it.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	events := make([]store.TaskEvent, 0, len(batch))
	for _, evt := range batch {
		if evt.Stage == progress.StageQueued {
			run := store.TaskRun{
				TraceID:  evt.TaskUUID(),
				ShortID:  evt.ShortID,
				URL:      evt.URL,
				QueuedAt: evt.TS,
				Status:   store.RunPending,
			}
			if err := s.repo.UpsertTaskStart(ctx, run); err != nil {
				return fmt.Errorf("upsert task start: %w", err)
			}
		}
		events = append(events, store.TaskEvent{
			TraceID:  evt.TaskUUID(),
			At:       evt.TS,
			Stage:    string(evt.Stage),
			WorkerID: evt.WorkerID,
			Attempts: evt.Attempts,
			Note:     evt.Note,
		})
	}
	if err := s.repo.AppendEvents(ctx, events); err != nil {
		return fmt.Errorf("append task events: %w", err)
	}
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		if err := s.repo.CompleteTask(ctx, evt.TaskUUID(), completionOf(evt)); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
	}
	return nil
}

func completionOf(evt progress.Event) store.Completion {
	c := store.Completion{FinishedAt: evt.TS, Attempts: evt.Attempts}
	if evt.Stage == progress.StageFinished {
		code := evt.StatusCode
		c.Status = store.RunFinished
		c.StatusCode = &code
		c.Bytes = evt.Bytes
		return c
	}
	c.Status = store.RunTerminated
	if evt.Note != "" {
		note := evt.Note
		c.ErrorMessage = &note
	}
	return c
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
