package pubsub

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeting struct {
	Text string `json:"text"`
}

func TestTypedEventRoundTrip(t *testing.T) {
	bridge := NewWatermillBridge()
	t.Cleanup(func() { _ = bridge.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := NewEvent[greeting]("test.greeting")
	type received struct {
		user string
		msg  greeting
	}
	got := make(chan received, 1)
	require.NoError(t, Subscribe(ctx, bridge, event, func(ctx context.Context, userID string, g greeting) error {
		got <- received{userID, g}
		return nil
	}))

	require.NoError(t, Publish(ctx, bridge, event, "alice", greeting{Text: "hi"}))

	select {
	case r := <-got:
		assert.Equal(t, "alice", r.user)
		assert.Equal(t, "hi", r.msg.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUndecodableEventIsAcknowledged(t *testing.T) {
	bridge := NewWatermillBridge()
	t.Cleanup(func() { _ = bridge.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := NewEvent[greeting]("test.greeting")
	var calls atomic.Int32
	require.NoError(t, Subscribe(ctx, bridge, event, func(ctx context.Context, userID string, g greeting) error {
		calls.Add(1)
		return nil
	}))

	require.NoError(t, bridge.Publish(ctx, Message{Topic: event.Name(), Payload: []byte("not json")}))
	require.NoError(t, Publish(ctx, bridge, event, "bob", greeting{Text: "after"}))

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerErrorIsRedelivered(t *testing.T) {
	bridge := NewWatermillBridge()
	t.Cleanup(func() { _ = bridge.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	require.NoError(t, bridge.Subscribe(ctx, "test.flaky", func(ctx context.Context, msg Message) error {
		if calls.Add(1) == 1 {
			return errors.New("not yet")
		}
		return nil
	}))
	require.NoError(t, bridge.Publish(ctx, Message{Topic: "test.flaky", Payload: []byte("x")}))

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}
