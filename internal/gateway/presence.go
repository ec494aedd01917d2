package gateway

import (
	"context"

	"github.com/nfrund/chatsync/internal/database"
	"github.com/nfrund/chatsync/internal/domain"
)

const typingKey = `type::thing('typing', [$conversation, $user])`

// UpsertTyping writes the (conversation, user) typing record.
func (s *Surreal) UpsertTyping(ctx context.Context, rec domain.TypingRecord) error {
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	err := s.execute(ctx, `UPSERT `+typingKey+` CONTENT $content`, map[string]any{
		"conversation": rec.ConversationID,
		"user":         rec.UserID,
		"content": map[string]any{
			"conversation": rec.ConversationID,
			"user":         rec.UserID,
			"display_name": rec.DisplayName,
			"active":       rec.Active,
			"at":           datetime(rec.At),
		},
	})
	return classify("upsert typing", true, err)
}

// ClearTyping removes the typing record. Subscribers see the deletion as a stop.
func (s *Surreal) ClearTyping(ctx context.Context, conversationID, userID string) error {
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	err := s.execute(ctx, `DELETE `+typingKey, map[string]any{
		"conversation": conversationID,
		"user":         userID,
	})
	return classify("clear typing", true, err)
}

// SubscribeTyping streams typing changes of one conversation.
func (s *Surreal) SubscribeTyping(ctx context.Context, conversationID string, fn func(domain.TypingRecord)) (Subscription, error) {
	st := &stream{}
	live, err := s.live.Subscribe(ctx, tableTyping, &database.LiveQueryFilter{
		Where:  "conversation = $conversation",
		Params: map[string]any{"conversation": conversationID},
	}, func(ctx context.Context, action database.LiveQueryAction, data any) {
		rec, ok := typingFromData(data)
		if !ok {
			s.logger.Debug("Ignoring unreadable typing notification", "conversation_id", conversationID)
			return
		}
		if action == database.ActionDelete {
			rec.Active = false
		}
		st.deliver(func() { fn(rec) })
	}, func(err error) {
		s.logger.Warn("Typing subscription closed", "conversation_id", conversationID, "error", err)
	})
	if err != nil {
		return nil, classify("subscribe typing", false, err)
	}
	st.attach(live)
	return st, nil
}
