package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/nfrund/chatsync/internal/database"
	"github.com/nfrund/chatsync/internal/domain"
)

const memberQuery = `SELECT * FROM conversation WHERE members CONTAINS $user`

// SubscribeConversations streams every conversation userID belongs to. Each
// delivery is the complete list, unordered.
func (s *Surreal) SubscribeConversations(ctx context.Context, userID string, onUpdate func([]domain.Conversation), onError func(error)) (Subscription, error) {
	st := &stream{}
	params := map[string]any{"user": userID}

	refresh := func(ctx context.Context) {
		ctx, cancel := s.readCtx(ctx)
		defer cancel()
		rows, err := query[conversationRecord](ctx, s, memberQuery, params)
		if err != nil {
			if onError != nil {
				onError(classify("list conversations", false, err))
			}
			return
		}
		convs := make([]domain.Conversation, 0, len(rows))
		for _, r := range rows {
			convs = append(convs, r.toDomain())
		}
		onUpdate(convs)
	}

	live, err := s.live.Subscribe(ctx, tableConversation, &database.LiveQueryFilter{
		Where:  "members CONTAINS $user",
		Params: params,
	}, func(ctx context.Context, _ database.LiveQueryAction, _ any) {
		st.deliver(func() { refresh(ctx) })
	}, func(err error) {
		st.deliver(func() {
			if onError != nil {
				onError(&domain.TransientError{Op: "subscribe conversations", Err: err})
			}
		})
	})
	if err != nil {
		return nil, classify("subscribe conversations", false, err)
	}
	st.attach(live)

	st.deliver(func() { refresh(ctx) })
	return st, nil
}

// EnsureMember joins userID, creating a broadcast room named after the ID when
// the conversation does not exist yet.
func (s *Surreal) EnsureMember(ctx context.Context, conversationID, userID string) error {
	if conversationID == "" || userID == "" {
		return &domain.WriteError{Op: "ensure member", Err: errors.New("conversation and user are required")}
	}
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	err := s.execute(ctx, `UPSERT $id SET
		members = array::union(members ?? [], [$user]),
		kind = kind ?? $kind,
		title = title ?? $title,
		unread = unread ?? {},
		created_at = created_at ?? time::now()`,
		map[string]any{
			"id":    database.RecordID(tableConversation, conversationID),
			"user":  userID,
			"kind":  string(domain.ConversationBroadcast),
			"title": conversationID,
		})
	return classify("ensure member", true, err)
}

// CreateConversation stores a new conversation. An empty ID lets the store
// assign one.
func (s *Surreal) CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, error) {
	if conv.Kind == "" {
		conv.Kind = domain.ConversationGroup
	}
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	content := map[string]any{
		"kind":     string(conv.Kind),
		"title":    conv.Title,
		"members":  conv.Members,
		"unread":   map[string]int{},
		"archived": conv.Archived,
	}
	target := any(tableConversation)
	stmt := `CREATE type::table($target) CONTENT $content SET created_at = time::now() RETURN AFTER`
	if conv.ID != "" {
		target = database.RecordID(tableConversation, conv.ID)
		stmt = `CREATE $target CONTENT $content SET created_at = time::now() RETURN AFTER`
	}

	rows, err := query[conversationRecord](ctx, s, stmt, map[string]any{"target": target, "content": content})
	if err != nil {
		return domain.Conversation{}, classify("create conversation", true, err)
	}
	if len(rows) == 0 {
		return domain.Conversation{}, &domain.WriteError{Op: "create conversation", Err: errors.New("no record returned")}
	}
	return rows[0].toDomain(), nil
}

// MarkRead resets the unread counter of userID.
func (s *Surreal) MarkRead(ctx context.Context, conversationID, userID string) error {
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	id := database.RecordID(tableConversation, conversationID)
	err := s.execute(ctx, `UPDATE $id MERGE $patch`, map[string]any{
		"id":    id,
		"patch": map[string]any{"unread": map[string]int{userID: 0}},
	})
	return classify("mark read", true, err)
}

// DisplayName returns the profile name of userID, or the ID itself for users
// without a profile.
func (s *Surreal) DisplayName(ctx context.Context, userID string) (string, error) {
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	rows, err := query[profileRecord](ctx, s, `SELECT * FROM $id`, map[string]any{
		"id": database.RecordID(tableProfile, userID),
	})
	if err != nil {
		return "", classify("display name", false, err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("profile %s: %w", userID, domain.ErrNotFound)
	}
	if rows[0].DisplayName == "" {
		return userID, nil
	}
	return rows[0].DisplayName, nil
}
