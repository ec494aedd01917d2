package session

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/clock"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/retry"
	"github.com/nfrund/chatsync/internal/testutils"
	"github.com/nfrund/chatsync/internal/timeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(b *testutils.FakeBackend, conv string, n int) {
	msgs := make([]domain.Message, n)
	for i := range msgs {
		msgs[i] = domain.Message{ConversationID: conv, SenderID: "bob", Body: domain.Body{Text: conv + "-" + strconv.Itoa(i+1)}}
	}
	b.Seed(msgs...)
}

func newSession(t *testing.T, b *testutils.FakeBackend, fk *clock.Fake) *Session {
	t.Helper()
	s := New(b, Options{
		UserID:         "me",
		BroadcastRooms: []string{"general"},
		PageSize:       3,
		TailSize:       3,
		TypingWindow:   5 * time.Second,
		ProfileTTL:     time.Minute,
		Clock:          fk,
		Retryer:        retry.Immediate{Attempts: 3},
	})
	t.Cleanup(s.Close)
	return s
}

func texts(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body.Text
	}
	return out
}

func TestStartResolvesNameAndJoinsRooms(t *testing.T) {
	b := testutils.NewFakeBackend()
	b.SetProfile("me", "Maya")
	s := newSession(t, b, clock.NewFake(epoch))

	require.NoError(t, s.Start(context.Background()))

	convs := s.List().Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "general", convs[0].ID)
	assert.Equal(t, "Maya", s.name)
}

func TestSelectOpensTimelineAndMarksRead(t *testing.T) {
	b := testutils.NewFakeBackend()
	b.AddConversation(domain.Conversation{ID: "team", Members: []string{"me", "bob"}, Unread: map[string]int{"me": 4}})
	seed(b, "team", 5)
	s := newSession(t, b, clock.NewFake(epoch))
	require.NoError(t, s.Start(context.Background()))

	conv, err := s.Select(context.Background(), "team")
	require.NoError(t, err)
	assert.Same(t, conv, s.Current())

	snap := conv.Timeline().Snapshot()
	assert.Equal(t, timeline.StateReady, snap.State)
	assert.Equal(t, []string{"team-3", "team-4", "team-5"}, texts(snap.Messages))
	assert.Equal(t, []string{"team"}, b.MarkReadCalls)

	got, ok := s.List().Get("team")
	require.True(t, ok)
	assert.Zero(t, got.UnreadFor("me"))

	again, err := s.Select(context.Background(), "team")
	require.NoError(t, err)
	assert.Same(t, conv, again)
	assert.Equal(t, 1, b.ActiveTails("team"))
}

func TestSwitchMidBackfill(t *testing.T) {
	b := testutils.NewFakeBackend()
	seed(b, "a", 10)
	seed(b, "b", 2)
	s := newSession(t, b, clock.NewFake(epoch))

	convA, err := s.Select(context.Background(), "a")
	require.NoError(t, err)

	var afterSwitch []timeline.Snapshot
	switched := make(chan struct{})
	convA.Timeline().OnChange(func(snap timeline.Snapshot) {
		select {
		case <-switched:
			afterSwitch = append(afterSwitch, snap)
		default:
		}
	})

	gate := b.GateFetches()
	defer close(gate)
	backfill := make(chan error, 1)
	go func() { backfill <- convA.LoadOlder(context.Background()) }()
	require.Eventually(t, func() bool {
		return convA.Timeline().Snapshot().State == timeline.StateLoadingMore
	}, time.Second, 5*time.Millisecond)

	close(switched)
	convB, err := s.Select(context.Background(), "b")
	require.NoError(t, err)

	select {
	case err := <-backfill:
		assert.ErrorIs(t, err, domain.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("backfill did not end when the conversation closed")
	}

	assert.Empty(t, afterSwitch)
	assert.Zero(t, b.ActiveTails("a"))
	assert.Equal(t, timeline.StateClosed, convA.Timeline().Snapshot().State)
	assert.Equal(t, []string{"b-1", "b-2"}, texts(convB.Timeline().Snapshot().Messages))

	b.Insert(domain.Message{ConversationID: "a", SenderID: "bob", Body: domain.Body{Text: "late"}})
	assert.Empty(t, afterSwitch)
}

func TestSendEndsTyping(t *testing.T) {
	b := testutils.NewFakeBackend()
	b.AddConversation(domain.Conversation{ID: "team", Members: []string{"me", "bob"}})
	s := newSession(t, b, clock.NewFake(epoch))
	require.NoError(t, s.Start(context.Background()))

	conv, err := s.Select(context.Background(), "team")
	require.NoError(t, err)

	conv.Keystroke(context.Background())
	msg, err := conv.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Body.Text)

	require.Eventually(t, func() bool { return len(b.TypingLog()) == 2 }, time.Second, 5*time.Millisecond)
	log := b.TypingLog()
	assert.True(t, log[0].Active)
	assert.False(t, log[1].Active)

	msgs := conv.Timeline().Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
}

func TestSeesOthersTyping(t *testing.T) {
	b := testutils.NewFakeBackend()
	fk := clock.NewFake(epoch)
	s := newSession(t, b, fk)

	conv, err := s.Select(context.Background(), "team")
	require.NoError(t, err)

	require.NoError(t, b.UpsertTyping(context.Background(), domain.TypingRecord{
		ConversationID: "team", UserID: "bob", DisplayName: "Bob", At: domain.TimestampOf(epoch), Active: true,
	}))
	require.Len(t, conv.Typing().Typists(), 1)

	fk.Advance(5 * time.Second)
	assert.Empty(t, conv.Typing().Typists())
}

func TestDisplayNameIsCached(t *testing.T) {
	b := testutils.NewFakeBackend()
	b.SetProfile("bob", "Bob")
	fk := clock.NewFake(epoch)
	s := New(b, Options{UserID: "me", DisplayName: "Me", ProfileTTL: time.Minute, Clock: fk})

	for range 3 {
		name, err := s.DisplayName(context.Background(), "bob")
		require.NoError(t, err)
		assert.Equal(t, "Bob", name)
	}
	assert.Equal(t, 1, b.ProfileCalls)

	name, err := s.DisplayName(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", name)

	fk.Advance(2 * time.Minute)
	_, err = s.DisplayName(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, b.ProfileCalls)

	s.Close()
	assert.Zero(t, s.profiles.Len())
}

func TestClosedSessionRejectsSelect(t *testing.T) {
	b := testutils.NewFakeBackend()
	s := newSession(t, b, clock.NewFake(epoch))

	_, err := s.Select(context.Background(), "team")
	require.NoError(t, err)
	s.Close()

	assert.Nil(t, s.Current())
	assert.Zero(t, b.ActiveTails("team"))
	_, err = s.Select(context.Background(), "team")
	assert.ErrorIs(t, err, domain.ErrClosed)
}
