package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "topic-b", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "topic-a", msgs[0].Topic)
	require.Equal(t, "memory-2", msgs[1].ID)

	msgs[0].Topic = "modified"
	require.Equal(t, "topic-a", pub.Messages()[0].Topic, "Messages returns a copy")
}

func TestBoundedPublisherKeepsNewest(t *testing.T) {
	t.Parallel()

	pub := NewBounded(2)
	for i := 0; i < 3; i++ {
		_, err := pub.Publish(context.Background(), "t", i)
		require.NoError(t, err)
	}
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, 1, msgs[0].Payload)
	require.Equal(t, "memory-3", msgs[1].ID)
}

func TestPublisherFailures(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("boom")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "t", nil)
	require.ErrorIs(t, err, boom)

	pub.FailWith(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pub.Publish(ctx, "t", nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, pub.Messages())
}
