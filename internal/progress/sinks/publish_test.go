package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/downloader-pool/internal/progress"
	"github.com/JakeFAU/downloader-pool/internal/publisher/memory"
)

func TestPublishSinkPublishesTerminalEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "task-completions", nil)
	traceID := uuid.New()
	id := progress.UUIDToBytes(traceID)
	at := time.Unix(1_700_000_000, 0).UTC()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: id, ShortID: "abc", Stage: progress.StageQueued, TS: at},
		{TaskID: id, ShortID: "abc", Stage: progress.StageDispatched, WorkerID: "w", TS: at},
		{
			TaskID:      id,
			ShortID:     "abc",
			URL:         "http://example.com",
			Stage:       progress.StageFinished,
			StatusCode:  200,
			StatusClass: progress.Status2xx,
			Bytes:       12,
			Note:        "http://example.com/",
			Dur:         1500 * time.Millisecond,
			TS:          at,
		},
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "task-completions", msgs[0].Topic)
	n, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, Notification{
		TraceID:    traceID.String(),
		TaskID:     "abc",
		URL:        "http://example.com",
		Stage:      "TASK_FINISHED",
		At:         at,
		StatusCode: 200,
		Bytes:      12,
		Location:   "http://example.com/",
		DurationMS: 1500,
	}, n)
	require.Equal(t, map[string]string{"trace_id": traceID.String(), "stage": "TASK_FINISHED"}, n.Attributes())
}

func TestNotificationForTerminatedCarriesError(t *testing.T) {
	t.Parallel()

	n := NotificationFor(progress.Event{
		TaskID:   progress.UUIDToBytes(uuid.New()),
		Stage:    progress.StageTerminated,
		Attempts: 3,
		Note:     "fetch timed out",
	})
	require.Equal(t, "fetch timed out", n.Error)
	require.Empty(t, n.Location)
	require.Zero(t, n.StatusCode)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("unavailable")
}

func TestPublishSinkSurfacesErrors(t *testing.T) {
	t.Parallel()

	sink := NewPublishSink(failingPublisher{}, "t", nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{TaskID: progress.UUIDToBytes(uuid.New()), ShortID: "abc", Stage: progress.StageTerminated, TS: time.Now()},
	})
	require.ErrorContains(t, err, "publish completion for abc")
}
