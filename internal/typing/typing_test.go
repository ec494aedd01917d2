package typing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/clock"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/gateway"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const conv = "general"

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingTransport struct {
	mu      sync.Mutex
	records []domain.TypingRecord
	err     error
	gate    chan struct{}
}

func (t *recordingTransport) Publish(ctx context.Context, rec domain.TypingRecord) error {
	if t.gate != nil {
		select {
		case <-t.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.records = append(t.records, rec)
	return nil
}

func (t *recordingTransport) Subscribe(ctx context.Context, conversationID string, fn func(domain.TypingRecord)) (gateway.Subscription, error) {
	return gateway.OnceSubscription(func() {}), nil
}

func (t *recordingTransport) states() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]bool, len(t.records))
	for i, r := range t.records {
		out[i] = r.Active
	}
	return out
}

func waitStates(t *testing.T, tr *recordingTransport, want ...bool) {
	t.Helper()
	require.Eventually(t, func() bool { return len(tr.states()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, tr.states())
}

func TestSenderDebouncesKeystrokes(t *testing.T) {
	fk := clock.NewFake(epoch)
	tr := &recordingTransport{}
	s := NewSender(tr, conv, "me", "Me", WithWindow(4*time.Second), WithClock(fk))
	defer s.Close()

	ctx := context.Background()
	s.Keystroke(ctx)
	fk.Advance(500 * time.Millisecond)
	s.Keystroke(ctx)
	fk.Advance(500 * time.Millisecond)
	s.Keystroke(ctx)
	waitStates(t, tr, true)
	assert.True(t, s.Typing())

	// Half a window after the first keystroke the signal is refreshed.
	fk.Advance(time.Second)
	waitStates(t, tr, true, true)

	// Another refresh, then the window since the last keystroke runs out.
	fk.Advance(3 * time.Second)
	waitStates(t, tr, true, true, true, false)
	assert.False(t, s.Typing())
	assert.Zero(t, fk.Pending())
}

func TestSenderMessageSentStopsImmediately(t *testing.T) {
	fk := clock.NewFake(epoch)
	tr := &recordingTransport{}
	s := NewSender(tr, conv, "me", "Me", WithWindow(4*time.Second), WithClock(fk))
	defer s.Close()

	s.Keystroke(context.Background())
	s.MessageSent(context.Background())
	waitStates(t, tr, true, false)
	assert.Zero(t, fk.Pending())

	fk.Advance(time.Minute)
	s.MessageSent(context.Background())
	assert.Len(t, tr.states(), 2)
}

func TestSenderCloseFlushesStop(t *testing.T) {
	fk := clock.NewFake(epoch)
	tr := &recordingTransport{}
	s := NewSender(tr, conv, "me", "Me", WithClock(fk))

	s.Keystroke(context.Background())
	s.Close()
	assert.Equal(t, []bool{true, false}, tr.states())

	s.Keystroke(context.Background())
	s.Close()
	assert.Len(t, tr.states(), 2)
}

func TestSenderNeverBlocksOnSlowTransport(t *testing.T) {
	fk := clock.NewFake(epoch)
	tr := &recordingTransport{gate: make(chan struct{})}
	s := NewSender(tr, conv, "me", "Me", WithWindow(time.Hour), WithClock(fk))

	done := make(chan struct{})
	go func() {
		for range 100 {
			s.Keystroke(context.Background())
			s.MessageSent(context.Background())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keystrokes blocked on the transport")
	}

	close(tr.gate)
	s.Close()
	assert.LessOrEqual(t, len(tr.states()), queueSize+1)
}

func TestSenderSurvivesPublishErrors(t *testing.T) {
	fk := clock.NewFake(epoch)
	tr := &recordingTransport{err: errors.New("presence store down")}
	s := NewSender(tr, conv, "me", "Me", WithClock(fk))

	s.Keystroke(context.Background())
	s.MessageSent(context.Background())
	s.Close()
	assert.Empty(t, tr.states())
}

func newReceiver(t *testing.T, b *testutils.FakeBackend, fk *clock.Fake) (*Receiver, *[][]domain.TypingRecord) {
	t.Helper()
	r := NewReceiver(NewGatewayTransport(b), conv, "me", WithWindow(5*time.Second), WithClock(fk))
	var updates [][]domain.TypingRecord
	r.OnChange(func(list []domain.TypingRecord) { updates = append(updates, list) })
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Close)
	return r, &updates
}

func typingRecord(user string, at time.Time, active bool) domain.TypingRecord {
	return domain.TypingRecord{ConversationID: conv, UserID: user, DisplayName: user, At: domain.TimestampOf(at), Active: active}
}

func users(list []domain.TypingRecord) []string {
	out := make([]string, len(list))
	for i, r := range list {
		out[i] = r.UserID
	}
	return out
}

func TestReceiverTracksMultipleTypists(t *testing.T) {
	b := testutils.NewFakeBackend()
	fk := clock.NewFake(epoch)
	r, updates := newReceiver(t, b, fk)
	ctx := context.Background()

	require.NoError(t, b.UpsertTyping(ctx, typingRecord("bob", epoch, true)))
	require.NoError(t, b.UpsertTyping(ctx, typingRecord("alice", epoch.Add(time.Second), true)))
	require.NoError(t, b.UpsertTyping(ctx, typingRecord("me", epoch, true)))

	other := typingRecord("carol", epoch, true)
	other.ConversationID = "random"
	require.NoError(t, b.UpsertTyping(ctx, other))

	assert.Equal(t, []string{"bob", "alice"}, users(r.Typists()))
	assert.Len(t, *updates, 2)

	require.NoError(t, b.ClearTyping(ctx, conv, "bob"))
	assert.Equal(t, []string{"alice"}, users(r.Typists()))
}

func TestReceiverPurgesAfterWindow(t *testing.T) {
	b := testutils.NewFakeBackend()
	fk := clock.NewFake(epoch)
	r, updates := newReceiver(t, b, fk)
	ctx := context.Background()

	require.NoError(t, b.UpsertTyping(ctx, typingRecord("bob", epoch, true)))
	fk.Advance(4 * time.Second)
	require.NoError(t, b.UpsertTyping(ctx, typingRecord("bob", epoch.Add(4*time.Second), true)))

	fk.Advance(4 * time.Second)
	assert.Equal(t, []string{"bob"}, users(r.Typists()))

	fk.Advance(time.Second)
	assert.Empty(t, r.Typists())
	assert.Empty(t, (*updates)[len(*updates)-1])
}

func TestReceiverIgnoresOlderRecords(t *testing.T) {
	b := testutils.NewFakeBackend()
	fk := clock.NewFake(epoch)
	r, _ := newReceiver(t, b, fk)
	ctx := context.Background()

	require.NoError(t, b.UpsertTyping(ctx, typingRecord("bob", epoch.Add(2*time.Second), true)))
	require.NoError(t, b.UpsertTyping(ctx, typingRecord("bob", epoch, false)))

	list := r.Typists()
	require.Len(t, list, 1)
	assert.Equal(t, domain.TimestampOf(epoch.Add(2*time.Second)), list[0].At)
}

func TestReceiverCloseStopsUpdates(t *testing.T) {
	b := testutils.NewFakeBackend()
	fk := clock.NewFake(epoch)
	r, updates := newReceiver(t, b, fk)

	require.NoError(t, b.UpsertTyping(context.Background(), typingRecord("bob", epoch, true)))
	r.Close()

	assert.Zero(t, b.ActiveTypingSubs())
	assert.Zero(t, fk.Pending())
	assert.Empty(t, r.Typists())
	assert.Len(t, *updates, 1)
}

func TestSenderToReceiverOverBus(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	t.Cleanup(func() { _ = bus.Close() })
	transport := NewBusTransport(bus)

	r := NewReceiver(transport, conv, "bob")
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Close)

	s := NewSender(transport, conv, "alice", "Alice")
	s.Keystroke(context.Background())

	require.Eventually(t, func() bool { return len(r.Typists()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Alice", r.Typists()[0].DisplayName)

	s.Close()
	require.Eventually(t, func() bool { return len(r.Typists()) == 0 }, 2*time.Second, 10*time.Millisecond)
}
