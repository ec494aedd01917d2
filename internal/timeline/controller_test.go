package timeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/retry"
	"github.com/nfrund/chatsync/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const conv = "general"

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) record(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func seed(b *testutils.FakeBackend, n int) []domain.Message {
	msgs := make([]domain.Message, n)
	for i := range msgs {
		msgs[i] = domain.Message{ConversationID: conv, SenderID: "bob", Body: domain.Body{Text: strconv.Itoa(i + 1)}}
	}
	return b.Seed(msgs...)
}

func texts(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body.Text
	}
	return out
}

func newController(t *testing.T, b *testutils.FakeBackend, opts ...Option) (*Controller, *recorder) {
	t.Helper()
	opts = append([]Option{WithRetryer(retry.Immediate{Attempts: 3}), WithSelf("me")}, opts...)
	c := NewController(b, conv, opts...)
	rec := &recorder{}
	c.OnChange(rec.record)
	t.Cleanup(c.Close)
	return c, rec
}

func TestOpenDeliversNewestWindow(t *testing.T) {
	b := testutils.NewFakeBackend()
	seed(b, 5)
	c, rec := newController(t, b, WithTailSize(3))

	require.NoError(t, c.Open(context.Background()))

	snap := rec.last()
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, []string{"3", "4", "5"}, texts(snap.Messages))
	assert.True(t, snap.HasMore)
	require.NotNil(t, snap.Cursor)
	assert.Equal(t, snap.Messages[0].ID, snap.Cursor.ID)
	assert.Equal(t, StateLoading, rec.snaps[0].State)

	assert.ErrorIs(t, c.Open(context.Background()), ErrAlreadyOpen)
}

func TestShortConversationHasNoMore(t *testing.T) {
	b := testutils.NewFakeBackend()
	seed(b, 2)
	c, _ := newController(t, b, WithTailSize(3))
	require.NoError(t, c.Open(context.Background()))

	assert.False(t, c.Snapshot().HasMore)
	assert.ErrorIs(t, c.LoadOlder(context.Background()), domain.ErrExhaustedPagination)
}

func TestBackfillThenLive(t *testing.T) {
	b := testutils.NewFakeBackend()
	seed(b, 7)
	c, rec := newController(t, b, WithTailSize(3), WithPageSize(3))
	ctx := context.Background()

	require.NoError(t, c.Open(ctx))
	assert.Equal(t, []string{"5", "6", "7"}, texts(c.Snapshot().Messages))

	require.NoError(t, c.LoadOlder(ctx))
	snap := rec.last()
	assert.Equal(t, []string{"2", "3", "4", "5", "6", "7"}, texts(snap.Messages))
	assert.Equal(t, 3, snap.Prepended)
	assert.True(t, snap.HasMore)

	b.Insert(domain.Message{ConversationID: conv, SenderID: "bob", Body: domain.Body{Text: "8"}})
	snap = rec.last()
	assert.Equal(t, []string{"2", "3", "4", "5", "6", "7", "8"}, texts(snap.Messages))
	assert.Equal(t, 0, snap.Prepended)

	require.NoError(t, c.LoadOlder(ctx))
	snap = rec.last()
	assert.Equal(t, []string{"1", "2", "3", "4", "5", "6", "7", "8"}, texts(snap.Messages))
	assert.Equal(t, 1, snap.Prepended)
	assert.False(t, snap.HasMore)
	assertOrdered(t, snap.Messages)

	assert.ErrorIs(t, c.LoadOlder(ctx), domain.ErrExhaustedPagination)
}

func TestCursorOnlyMovesBackwards(t *testing.T) {
	b := testutils.NewFakeBackend()
	seed(b, 20)
	c, _ := newController(t, b, WithTailSize(4), WithPageSize(5))
	ctx := context.Background()
	require.NoError(t, c.Open(ctx))

	prev := c.Snapshot().Cursor
	require.NotNil(t, prev)
	for {
		err := c.LoadOlder(ctx)
		if errors.Is(err, domain.ErrExhaustedPagination) {
			break
		}
		require.NoError(t, err)
		b.Insert(domain.Message{ConversationID: conv, SenderID: "bob", Body: domain.Body{Text: "live"}})

		cur := c.Snapshot().Cursor
		require.NotNil(t, cur)
		assert.True(t, cur.Key().Less(prev.Key()), "cursor moved forward")
		prev = cur
	}
	assert.Len(t, c.Snapshot().Messages, 20+4)
}

func TestLoadOlderGuards(t *testing.T) {
	b := testutils.NewFakeBackend()
	seed(b, 10)
	c, _ := newController(t, b, WithTailSize(3), WithPageSize(3))
	ctx := context.Background()

	assert.ErrorIs(t, c.LoadOlder(ctx), ErrNotReady)
	require.NoError(t, c.Open(ctx))

	gate := b.GateFetches()
	done := make(chan error, 1)
	go func() { done <- c.LoadOlder(ctx) }()

	require.Eventually(t, func() bool { return c.Snapshot().State == StateLoadingMore }, time.Second, time.Millisecond)
	assert.ErrorIs(t, c.LoadOlder(ctx), ErrBackfillInFlight)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, StateReady, c.Snapshot().State)
	assert.Len(t, c.Snapshot().Messages, 6)
}

func TestBackfillErrorIsReportedAndRetryable(t *testing.T) {
	b := testutils.NewFakeBackend()
	seed(b, 10)
	c, rec := newController(t, b, WithTailSize(3), WithPageSize(3))
	ctx := context.Background()
	require.NoError(t, c.Open(ctx))

	b.FailFetch(assert.AnError)
	assert.ErrorIs(t, c.LoadOlder(ctx), assert.AnError)
	assert.ErrorIs(t, rec.last().BackfillErr, assert.AnError)
	assert.Equal(t, StateReady, rec.last().State)

	require.NoError(t, c.LoadOlder(ctx))
	assert.NoError(t, rec.last().BackfillErr)
	assert.Len(t, rec.last().Messages, 6)
}

func TestCloseDuringBackfillDiscardsPage(t *testing.T) {
	b := testutils.NewFakeBackend()
	seed(b, 10)
	c, rec := newController(t, b, WithTailSize(3), WithPageSize(3))
	ctx := context.Background()
	require.NoError(t, c.Open(ctx))

	b.GateFetches()
	done := make(chan error, 1)
	go func() { done <- c.LoadOlder(ctx) }()
	require.Eventually(t, func() bool { return c.Snapshot().State == StateLoadingMore }, time.Second, time.Millisecond)

	seen := rec.count()
	c.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("backfill did not observe close")
	}
	assert.Equal(t, seen, rec.count(), "no snapshot after close")
	assert.Equal(t, 0, b.ActiveTails(conv))

	b.Insert(domain.Message{ConversationID: conv, SenderID: "bob", Body: domain.Body{Text: "late"}})
	assert.Equal(t, seen, rec.count())
	assert.Equal(t, StateClosed, c.Snapshot().State)
}

func TestTailErrorResubscribesAndKeepsBuffer(t *testing.T) {
	b := testutils.NewFakeBackend()
	seed(b, 3)
	c, rec := newController(t, b, WithTailSize(3))
	ctx := context.Background()
	require.NoError(t, c.Open(ctx))

	transient := &domain.TransientError{Op: "subscribe tail", Err: assert.AnError}
	b.DropTails(conv, transient)

	require.Eventually(t, func() bool { return b.ActiveTails(conv) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.Snapshot().Err == nil }, time.Second, time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, []string{"1", "2", "3"}, texts(snap.Messages))

	sawErr := false
	rec.mu.Lock()
	for _, s := range rec.snaps {
		if errors.Is(s.Err, domain.ErrTransient) {
			sawErr = true
			assert.Equal(t, StateReady, s.State, "non-empty timeline must not fail")
		}
	}
	rec.mu.Unlock()
	assert.True(t, sawErr)

	b.Insert(domain.Message{ConversationID: conv, SenderID: "bob", Body: domain.Body{Text: "4"}})
	assert.Equal(t, []string{"1", "2", "3", "4"}, texts(c.Snapshot().Messages))
}

func TestEmptyTimelineFailsAndRetries(t *testing.T) {
	b := testutils.NewFakeBackend()
	first := errors.New("first")
	second := errors.New("second")
	third := errors.New("third")
	b.FailSubscribe(first, second, third)

	c, _ := newController(t, b, WithRetryer(retry.Immediate{Attempts: 2}))
	ctx := context.Background()
	require.NoError(t, c.Open(ctx))

	require.Eventually(t, func() bool { return errors.Is(c.Snapshot().Err, third) }, time.Second, time.Millisecond)
	assert.Equal(t, StateFailed, c.Snapshot().State)

	seed(b, 2)
	require.NoError(t, c.Retry(ctx))
	snap := c.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.NoError(t, snap.Err)
	assert.Equal(t, []string{"1", "2"}, texts(snap.Messages))
}

func TestSnapshotsAreImmutable(t *testing.T) {
	b := testutils.NewFakeBackend()
	seed(b, 2)
	c, rec := newController(t, b)
	require.NoError(t, c.Open(context.Background()))

	snap := rec.last()
	snap.Messages[0].Body.Text = "mutated"
	assert.Equal(t, "1", c.Snapshot().Messages[0].Body.Text)
}

// gatedRetryer holds every attempt until gate is closed.
type gatedRetryer struct {
	gate chan struct{}
}

func (r gatedRetryer) Retry(ctx context.Context, fn func() error) error {
	select {
	case <-r.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return fn()
}

func assertContiguous(t *testing.T, rec *recorder) {
	t.Helper()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, s := range rec.snaps {
		for i, m := range s.Messages {
			if !assert.Equal(t, strconv.Itoa(i+1), m.Body.Text, "version %d has a hole: %v", s.Version, texts(s.Messages)) {
				return
			}
		}
	}
}

func TestResubscribeLoadsMessagesMissedDuringOutage(t *testing.T) {
	b := testutils.NewFakeBackend()
	seed(b, 3)
	gate := make(chan struct{})
	c, rec := newController(t, b, WithTailSize(3), WithPageSize(2), WithRetryer(gatedRetryer{gate: gate}))
	require.NoError(t, c.Open(context.Background()))

	b.DropTails(conv, &domain.TransientError{Op: "subscribe tail", Err: assert.AnError})
	for i := 4; i <= 9; i++ {
		b.Insert(domain.Message{ConversationID: conv, SenderID: "bob", Body: domain.Body{Text: strconv.Itoa(i)}})
	}
	close(gate)

	want := []string{"1", "2", "3", "4", "5", "6", "7", "8", "9"}
	require.Eventually(t, func() bool {
		snap := c.Snapshot()
		return snap.Err == nil && assert.ObjectsAreEqual(want, texts(snap.Messages))
	}, time.Second, time.Millisecond)
	assertContiguous(t, rec)

	b.Insert(domain.Message{ConversationID: conv, SenderID: "bob", Body: domain.Body{Text: "10"}})
	require.Eventually(t, func() bool { return len(c.Snapshot().Messages) == 10 }, time.Second, time.Millisecond)
	assertContiguous(t, rec)
}

func TestFailedGapLoadResubscribes(t *testing.T) {
	b := testutils.NewFakeBackend()
	seed(b, 3)
	gate := make(chan struct{})
	c, rec := newController(t, b, WithTailSize(3), WithPageSize(2), WithRetryer(gatedRetryer{gate: gate}))
	require.NoError(t, c.Open(context.Background()))

	b.DropTails(conv, &domain.TransientError{Op: "subscribe tail", Err: assert.AnError})
	for i := 4; i <= 8; i++ {
		b.Insert(domain.Message{ConversationID: conv, SenderID: "bob", Body: domain.Body{Text: strconv.Itoa(i)}})
	}
	b.FailFetch(errors.New("fetch failed"))
	close(gate)

	want := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	require.Eventually(t, func() bool {
		snap := c.Snapshot()
		return snap.Err == nil && assert.ObjectsAreEqual(want, texts(snap.Messages))
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return b.ActiveTails(conv) == 1 }, time.Second, time.Millisecond)
	assertContiguous(t, rec)
}

func TestRetryAfterResubscribeGaveUp(t *testing.T) {
	b := testutils.NewFakeBackend()
	seed(b, 3)
	c, _ := newController(t, b, WithTailSize(3), WithRetryer(retry.Immediate{Attempts: 1}))
	ctx := context.Background()
	require.NoError(t, c.Open(ctx))

	down := errors.New("backend down")
	b.FailSubscribe(down)
	b.DropTails(conv, &domain.TransientError{Op: "subscribe tail", Err: assert.AnError})

	require.Eventually(t, func() bool { return errors.Is(c.Snapshot().Err, down) }, time.Second, time.Millisecond)
	snap := c.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, []string{"1", "2", "3"}, texts(snap.Messages))
	assert.Equal(t, 0, b.ActiveTails(conv))

	require.NoError(t, c.Retry(ctx))
	assert.Equal(t, 1, b.ActiveTails(conv))
	assert.NoError(t, c.Snapshot().Err)

	b.Insert(domain.Message{ConversationID: conv, SenderID: "bob", Body: domain.Body{Text: "4"}})
	assert.Equal(t, []string{"1", "2", "3", "4"}, texts(c.Snapshot().Messages))

	// A live subscription is left alone.
	require.NoError(t, c.Retry(ctx))
	assert.Equal(t, 1, b.ActiveTails(conv))
}
