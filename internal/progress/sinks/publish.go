package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/downloader-pool/internal/progress"
)

// Publisher publishes a payload to a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notification is the completion message published for a terminal task.
type Notification struct {
	TraceID    string    `json:"trace_id"`
	TaskID     string    `json:"task_id"`
	URL        string    `json:"url"`
	Stage      string    `json:"stage"`
	At         time.Time `json:"at"`
	Attempts   int       `json:"attempts"`
	StatusCode int       `json:"status_code,omitempty"`
	Bytes      int64     `json:"bytes,omitempty"`
	Location   string    `json:"location,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// Attributes are attached to the published message for subscriber filtering.
func (n Notification) Attributes() map[string]string {
	return map[string]string{
		"trace_id": n.TraceID,
		"stage":    n.Stage,
	}
}

// PublishSink publishes a Notification for every finished or terminated task.
type PublishSink struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// NewPublishSink builds a sink publishing to topic.
func NewPublishSink(pub Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes terminal events in batch order and stops at the first failure.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		n := NotificationFor(evt)
		id, err := s.pub.Publish(ctx, s.topic, n)
		if err != nil {
			return fmt.Errorf("publish completion for %s: %w", n.TaskID, err)
		}
		s.logger.Debug("completion published",
			zap.String("task_id", n.TaskID),
			zap.String("message_id", id),
		)
	}
	return nil
}

// NotificationFor converts a terminal event.
func NotificationFor(evt progress.Event) Notification {
	n := Notification{
		TraceID:    evt.TaskUUID().String(),
		TaskID:     evt.ShortID,
		URL:        evt.URL,
		Stage:      string(evt.Stage),
		At:         evt.TS,
		Attempts:   evt.Attempts,
		DurationMS: evt.Dur.Milliseconds(),
	}
	if evt.Stage == progress.StageFinished {
		n.StatusCode = evt.StatusCode
		n.Bytes = evt.Bytes
		n.Location = evt.Note
	} else {
		n.Error = evt.Note
	}
	return n
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
