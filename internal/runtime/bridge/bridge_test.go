package bridge

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/fengb3/streambus/internal/runtime/errors"
	"github.com/fengb3/streambus/transport/memory"
)

func TestNewPublisherRequiresStore(t *testing.T) {
	_, err := NewPublisher(nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrStoreRequired)
}

func TestPublishAppendsPayloads(t *testing.T) {
	store := memory.New()
	pub, err := NewPublisher(store, watermill.NopLogger{})
	require.NoError(t, err)

	first := message.NewMessage(watermill.NewUUID(), []byte("one"))
	first.Metadata.Set("source", "legacy")
	second := message.NewMessage(watermill.NewUUID(), []byte("two"))
	require.NoError(t, pub.Publish("TaskMessage", first, second))

	entries, err := store.Range(context.Background(), "TaskMessage", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for i, want := range []string{"one", "two"} {
		assert.Equal(t, "TaskMessage", entries[i].Envelope.StreamKey)
		assert.Equal(t, []string{"data"}, keys(entries[i].Envelope.Fields))
		data, ok := entries[i].Envelope.Data()
		require.True(t, ok)
		assert.Equal(t, want, string(data))
	}
}

func TestPublishRejectsInvalidMessages(t *testing.T) {
	store := memory.New()
	pub, err := NewPublisher(store, nil)
	require.NoError(t, err)

	assert.Error(t, pub.Publish("", message.NewMessage("1", []byte("x"))), "empty topic")
	assert.ErrorIs(t, pub.Publish("t", nil), errspkg.ErrMessageRequired)

	cancelled := message.NewMessage("2", []byte("x"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cancelled.SetContext(ctx)
	assert.ErrorIs(t, pub.Publish("t", cancelled), context.Canceled)

	n, err := store.Len(context.Background(), "t")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPublishAfterClose(t *testing.T) {
	pub, err := NewPublisher(memory.New(), nil)
	require.NoError(t, err)
	require.NoError(t, pub.Close())
	assert.ErrorIs(t, pub.Publish("t", message.NewMessage("1", []byte("x"))), ErrPublisherClosed)
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
