package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/nfrund/chatsync/internal/database"
	"github.com/nfrund/chatsync/internal/domain"
)

const pageQuery = `SELECT * FROM message WHERE conversation = $conversation%s ORDER BY created_at DESC, id DESC LIMIT %d`

const beforeClause = ` AND (created_at < $before_at OR (created_at = $before_at AND id < $before_id))`

// FetchPage returns a backward page. One extra row is read to tell whether
// older messages exist.
func (s *Surreal) FetchPage(ctx context.Context, conversationID string, pageSize int, before *domain.Cursor) (Page, error) {
	if pageSize <= 0 {
		return Page{}, fmt.Errorf("fetch page: page size must be positive, got %d", pageSize)
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	params := map[string]any{"conversation": conversationID}
	where := ""
	if before != nil {
		where = beforeClause
		params["before_at"] = datetime(before.At)
		params["before_id"] = database.RecordID(tableMessage, before.ID)
	}

	rows, err := query[messageRecord](ctx, s, fmt.Sprintf(pageQuery, where, pageSize+1), params)
	if err != nil {
		return Page{}, classify("fetch page", false, err)
	}

	hasMore := len(rows) > pageSize
	if hasMore {
		rows = rows[:pageSize]
	}
	msgs := messagesFromRecords(rows, true)

	page := Page{Messages: msgs, HasMore: hasMore}
	if len(msgs) > 0 {
		page.Cursor = domain.CursorOf(msgs[0])
	}
	return page, nil
}

// SubscribeTail watches the conversation and re-reads the newest window after
// every change, so each delivery is a complete, ordered window.
func (s *Surreal) SubscribeTail(ctx context.Context, conversationID string, size int, onUpdate func([]domain.Message), onError func(error)) (Subscription, error) {
	if size <= 0 {
		return nil, fmt.Errorf("subscribe tail: window size must be positive, got %d", size)
	}
	st := &stream{}

	refresh := func(ctx context.Context) {
		page, err := s.FetchPage(ctx, conversationID, size, nil)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onUpdate(page.Messages)
	}

	live, err := s.live.Subscribe(ctx, tableMessage, &database.LiveQueryFilter{
		Where:  "conversation = $conversation",
		Params: map[string]any{"conversation": conversationID},
	}, func(ctx context.Context, _ database.LiveQueryAction, _ any) {
		st.deliver(func() { refresh(ctx) })
	}, func(err error) {
		st.deliver(func() {
			if onError != nil {
				onError(&domain.TransientError{Op: "subscribe tail", Err: err})
			}
		})
	})
	if err != nil {
		return nil, classify("subscribe tail", false, err)
	}
	st.attach(live)

	st.deliver(func() { refresh(ctx) })
	return st, nil
}

// Append stores a message, then updates the conversation preview and the
// unread counters of the other members. The counters are read and written
// back, so concurrent appends to one conversation can lose increments.
func (s *Surreal) Append(ctx context.Context, draft domain.Draft) (domain.Message, error) {
	if err := draft.Validate(); err != nil {
		return domain.Message{}, &domain.WriteError{Op: "append", Err: err}
	}
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	params := map[string]any{
		"content": map[string]any{
			"conversation": draft.ConversationID,
			"sender":       draft.SenderID,
			"sender_name":  draft.SenderName,
			"text":         draft.Text,
			"attachment":   draft.Attachment,
			"kind":         string(draft.Kind),
			"nonce":        draft.Nonce,
			"reactions":    []reactionRecord{},
			"reported":     false,
		},
	}
	rows, err := query[messageRecord](ctx, s,
		`CREATE message CONTENT $content SET created_at = time::now() RETURN AFTER`, params)
	if err != nil {
		return domain.Message{}, classify("append", true, err)
	}
	if len(rows) == 0 {
		return domain.Message{}, &domain.WriteError{Op: "append", Err: errors.New("no record returned")}
	}
	msg, err := rows[0].toDomain()
	if err != nil {
		return domain.Message{}, &domain.WriteError{Op: "append", Err: err}
	}

	if err := s.bumpConversation(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "Failed to update conversation preview",
			"conversation_id", msg.ConversationID, "message_id", msg.ID, "error", err)
	}
	return msg, nil
}

func (s *Surreal) bumpConversation(ctx context.Context, msg domain.Message) error {
	convID := database.RecordID(tableConversation, msg.ConversationID)
	rows, err := query[conversationRecord](ctx, s, `SELECT * FROM $id`, map[string]any{"id": convID})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return domain.ErrNotFound
	}

	unread := make(map[string]int, len(rows[0].Members))
	for _, member := range rows[0].Members {
		if member == msg.SenderID {
			unread[member] = 0
			continue
		}
		unread[member] = rows[0].Unread[member] + 1
	}

	preview := msg.Body.Text
	if preview == "" && msg.Body.Attachment != "" {
		preview = "[attachment]"
	}
	return s.execute(ctx, `UPDATE $id MERGE $patch`, map[string]any{
		"id": convID,
		"patch": map[string]any{
			"unread": unread,
			"last_message": previewRecord{
				Text:   preview,
				Sender: msg.SenderID,
				At:     ptr(datetime(msg.CreatedAt)),
			},
		},
	})
}

// Mutate checks the target and the actor's rights, then applies the patch in
// a single guarded UPDATE.
func (s *Surreal) Mutate(ctx context.Context, conversationID, messageID string, patch domain.Patch) (domain.Message, error) {
	op := "mutate " + string(patch.Kind)
	if err := patch.Validate(); err != nil {
		return domain.Message{}, &domain.WriteError{Op: op, Err: err}
	}
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	id := database.RecordID(tableMessage, messageID)
	current, err := s.loadMessage(ctx, id, conversationID)
	if err != nil {
		return domain.Message{}, classify(op, true, err)
	}
	if patch.Kind == domain.PatchEdit && current.Sender != patch.UserID {
		return domain.Message{}, domain.ErrForbidden
	}

	params := map[string]any{
		"id":           id,
		"conversation": conversationID,
		"actor":        patch.UserID,
	}
	var stmt string
	switch patch.Kind {
	case domain.PatchEdit:
		stmt = `UPDATE $id SET text = $text, edited_at = time::now() WHERE conversation = $conversation AND sender = $actor RETURN AFTER`
		params["text"] = patch.Text
	case domain.PatchReact:
		stmt = `UPDATE $id SET reactions = array::union(reactions ?? [], [$reaction]) WHERE conversation = $conversation RETURN AFTER`
		params["reaction"] = reactionRecord{Emoji: patch.Emoji, User: patch.UserID}
	case domain.PatchUnreact:
		stmt = `UPDATE $id SET reactions = array::complement(reactions ?? [], [$reaction]) WHERE conversation = $conversation RETURN AFTER`
		params["reaction"] = reactionRecord{Emoji: patch.Emoji, User: patch.UserID}
	}

	rows, err := query[messageRecord](ctx, s, stmt, params)
	if err != nil {
		return domain.Message{}, classify(op, true, err)
	}
	if len(rows) == 0 {
		// The guard did not match: the message vanished or changed hands.
		if _, err := s.loadMessage(ctx, id, conversationID); err != nil {
			return domain.Message{}, classify(op, true, err)
		}
		return domain.Message{}, domain.ErrForbidden
	}
	msg, err := rows[0].toDomain()
	if err != nil {
		return domain.Message{}, &domain.WriteError{Op: op, Err: err}
	}
	return msg, nil
}

func (s *Surreal) loadMessage(ctx context.Context, id any, conversationID string) (*messageRecord, error) {
	rows, err := query[messageRecord](ctx, s, `SELECT * FROM $id`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || rows[0].Conversation != conversationID {
		return nil, domain.ErrNotFound
	}
	return &rows[0], nil
}

func ptr[T any](v T) *T {
	return &v
}
