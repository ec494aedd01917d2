package gateway

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/database"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/stretchr/testify/suite"
)

func TestMain(m *testing.M) {
	if err := godotenv.Load("../../.env.test"); err != nil {
		log.Println("Warning: .env.test file not found, relying on environment variables.")
	}
	os.Exit(m.Run())
}

type SurrealGatewaySuite struct {
	suite.Suite
	conn *database.Connection
	gw   *Surreal
	conv string
}

func TestSurrealGateway(t *testing.T) {
	suite.Run(t, new(SurrealGatewaySuite))
}

func (s *SurrealGatewaySuite) SetupSuite() {
	if testing.Short() {
		s.T().Skip("skipping integration test in short mode")
	}
	if os.Getenv("SURREAL_URL") == "" {
		s.T().Skip("SURREAL_URL not set")
	}
	cfg, err := config.FromEnv(os.Getenv)
	s.Require().NoError(err)

	s.conn = database.NewConnection(cfg)
	s.Require().NoError(s.conn.Connect(context.Background()))
	s.gw = NewSurreal(s.conn)
}

func (s *SurrealGatewaySuite) SetupTest() {
	s.conv = "test_" + uuid.NewString()[:8]
	s.Require().NoError(s.gw.EnsureMember(context.Background(), s.conv, "alice"))
	s.Require().NoError(s.gw.EnsureMember(context.Background(), s.conv, "bob"))
}

func (s *SurrealGatewaySuite) TearDownTest() {
	ctx := context.Background()
	_ = s.gw.execute(ctx, `DELETE message WHERE conversation = $c; DELETE typing WHERE conversation = $c`, map[string]any{"c": s.conv})
	_ = s.gw.execute(ctx, `DELETE $id`, map[string]any{"id": database.RecordID(tableConversation, s.conv)})
}

func (s *SurrealGatewaySuite) TearDownSuite() {
	if s.conn != nil {
		_ = s.conn.Close(context.Background())
	}
}

func (s *SurrealGatewaySuite) send(sender, text string) domain.Message {
	msg, err := s.gw.Append(context.Background(), domain.Draft{
		ConversationID: s.conv,
		SenderID:       sender,
		Text:           text,
		Kind:           domain.KindText,
	})
	s.Require().NoError(err)
	return msg
}

func (s *SurrealGatewaySuite) TestPagesWalkBackwardsWithoutOverlap() {
	ctx := context.Background()
	for _, text := range []string{"1", "2", "3", "4", "5"} {
		s.send("alice", text)
	}

	first, err := s.gw.FetchPage(ctx, s.conv, 2, nil)
	s.Require().NoError(err)
	s.Require().Len(first.Messages, 2)
	s.Equal("4", first.Messages[0].Body.Text)
	s.Equal("5", first.Messages[1].Body.Text)
	s.True(first.HasMore)

	second, err := s.gw.FetchPage(ctx, s.conv, 2, first.Cursor)
	s.Require().NoError(err)
	s.Equal([]string{"2", "3"}, texts(second.Messages))
	s.True(second.HasMore)

	last, err := s.gw.FetchPage(ctx, s.conv, 2, second.Cursor)
	s.Require().NoError(err)
	s.Equal([]string{"1"}, texts(last.Messages))
	s.False(last.HasMore)
}

func (s *SurrealGatewaySuite) TestAppendUpdatesPreviewAndUnread() {
	s.send("alice", "hello bob")

	var got []domain.Conversation
	sub, err := s.gw.SubscribeConversations(context.Background(), "bob", func(c []domain.Conversation) { got = c }, nil)
	s.Require().NoError(err)
	sub.Unsubscribe()

	var conv *domain.Conversation
	for i := range got {
		if got[i].ID == s.conv {
			conv = &got[i]
		}
	}
	s.Require().NotNil(conv)
	s.Require().NotNil(conv.LastMessage)
	s.Equal("hello bob", conv.LastMessage.Text)
	s.Equal(1, conv.UnreadFor("bob"))
	s.Equal(0, conv.UnreadFor("alice"))

	s.Require().NoError(s.gw.MarkRead(context.Background(), s.conv, "bob"))
}

func (s *SurrealGatewaySuite) TestMutateRules() {
	ctx := context.Background()
	msg := s.send("alice", "typo")

	_, err := s.gw.Mutate(ctx, s.conv, msg.ID, domain.EditPatch("bob", "hijack"))
	s.ErrorIs(err, domain.ErrForbidden)

	edited, err := s.gw.Mutate(ctx, s.conv, msg.ID, domain.EditPatch("alice", "fixed"))
	s.Require().NoError(err)
	s.Equal("fixed", edited.Body.Text)
	s.NotNil(edited.EditedAt)

	_, err = s.gw.Mutate(ctx, s.conv, msg.ID, domain.ReactPatch("bob", "👍"))
	s.Require().NoError(err)
	reacted, err := s.gw.Mutate(ctx, s.conv, msg.ID, domain.ReactPatch("bob", "👍"))
	s.Require().NoError(err)
	s.Equal([]string{"bob"}, reacted.Reactions["👍"])

	unreacted, err := s.gw.Mutate(ctx, s.conv, msg.ID, domain.UnreactPatch("bob", "👍"))
	s.Require().NoError(err)
	s.Empty(unreacted.Reactions)

	_, err = s.gw.Mutate(ctx, s.conv, "missing", domain.ReactPatch("bob", "👍"))
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *SurrealGatewaySuite) TestTailDeliversWindowOnAppend() {
	updates := make(chan []domain.Message, 10)
	sub, err := s.gw.SubscribeTail(context.Background(), s.conv, 3, func(m []domain.Message) { updates <- m }, nil)
	s.Require().NoError(err)
	defer sub.Unsubscribe()

	select {
	case initial := <-updates:
		s.Empty(initial)
	case <-time.After(5 * time.Second):
		s.FailNow("no initial window")
	}

	s.send("bob", "live")
	select {
	case window := <-updates:
		s.Equal([]string{"live"}, texts(window))
	case <-time.After(5 * time.Second):
		s.FailNow("no window after append")
	}
}

func (s *SurrealGatewaySuite) TestTypingRoundTrip() {
	records := make(chan domain.TypingRecord, 10)
	sub, err := s.gw.SubscribeTyping(context.Background(), s.conv, func(r domain.TypingRecord) { records <- r })
	s.Require().NoError(err)
	defer sub.Unsubscribe()

	ctx := context.Background()
	s.Require().NoError(s.gw.UpsertTyping(ctx, domain.TypingRecord{
		ConversationID: s.conv, UserID: "bob", DisplayName: "Bob",
		At: domain.TimestampOf(time.Now()), Active: true,
	}))
	s.Require().NoError(s.gw.ClearTyping(ctx, s.conv, "bob"))

	for _, active := range []bool{true, false} {
		select {
		case rec := <-records:
			s.Equal("bob", rec.UserID)
			s.Equal(active, rec.Active)
		case <-time.After(5 * time.Second):
			s.FailNow("missing typing notification")
		}
	}
}

func texts(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body.Text
	}
	return out
}
