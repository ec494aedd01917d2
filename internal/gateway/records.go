package gateway

import (
	"fmt"
	"slices"

	"github.com/nfrund/chatsync/internal/database"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

const (
	tableMessage      = "message"
	tableConversation = "conversation"
	tableTyping       = "typing"
	tableProfile      = "profile"
)

type reactionRecord struct {
	Emoji string `json:"emoji"`
	User  string `json:"user"`
}

type messageRecord struct {
	ID           *models.RecordID       `json:"id,omitempty"`
	Conversation string                 `json:"conversation"`
	Sender       string                 `json:"sender"`
	SenderName   string                 `json:"sender_name,omitempty"`
	Text         string                 `json:"text,omitempty"`
	Attachment   string                 `json:"attachment,omitempty"`
	Kind         string                 `json:"kind"`
	CreatedAt    *models.CustomDateTime `json:"created_at,omitempty"`
	EditedAt     *models.CustomDateTime `json:"edited_at,omitempty"`
	Reactions    []reactionRecord       `json:"reactions,omitempty"`
	Reported     bool                   `json:"reported,omitempty"`
	Nonce        string                 `json:"nonce,omitempty"`
}

func (r messageRecord) toDomain() (domain.Message, error) {
	if r.ID == nil {
		return domain.Message{}, fmt.Errorf("message record without id")
	}
	created, err := domain.ParseTimestamp(r.CreatedAt)
	if err != nil {
		return domain.Message{}, fmt.Errorf("message %s: created_at: %w", database.RecordKey(r.ID), err)
	}

	m := domain.Message{
		ID:             database.RecordKey(r.ID),
		ConversationID: r.Conversation,
		SenderID:       r.Sender,
		SenderName:     r.SenderName,
		Body:           domain.Body{Text: r.Text, Attachment: r.Attachment},
		Kind:           domain.MessageKind(r.Kind),
		CreatedAt:      created,
		Reported:       r.Reported,
		Nonce:          r.Nonce,
		Status:         domain.StatusConfirmed,
	}
	if m.Kind == "" {
		m.Kind = domain.KindText
	}
	if r.EditedAt != nil {
		if edited, err := domain.ParseTimestamp(r.EditedAt); err == nil {
			m.EditedAt = &edited
		}
	}
	for _, rr := range r.Reactions {
		m.AddReaction(rr.Emoji, rr.User)
	}
	return m, nil
}

// messagesFromRecords converts rows, dropping ones that cannot be read, and
// returns them oldest first.
func messagesFromRecords(rows []messageRecord, newestFirst bool) []domain.Message {
	out := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toDomain()
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	if newestFirst {
		slices.Reverse(out)
	}
	return out
}

type previewRecord struct {
	Text   string                 `json:"text"`
	Sender string                 `json:"sender,omitempty"`
	At     *models.CustomDateTime `json:"at,omitempty"`
}

type conversationRecord struct {
	ID          *models.RecordID       `json:"id,omitempty"`
	Kind        string                 `json:"kind"`
	Title       string                 `json:"title"`
	Members     []string               `json:"members"`
	LastMessage *previewRecord         `json:"last_message,omitempty"`
	Unread      map[string]int         `json:"unread,omitempty"`
	CreatedAt   *models.CustomDateTime `json:"created_at,omitempty"`
	Archived    bool                   `json:"archived,omitempty"`
}

func (r conversationRecord) toDomain() domain.Conversation {
	c := domain.Conversation{
		ID:       database.RecordKey(r.ID),
		Kind:     domain.ConversationKind(r.Kind),
		Title:    r.Title,
		Members:  slices.Clone(r.Members),
		Unread:   r.Unread,
		Archived: r.Archived,
	}
	if c.Title == "" {
		c.Title = c.ID
	}
	if created, err := domain.ParseTimestamp(r.CreatedAt); err == nil {
		c.CreatedAt = created
	}
	if r.LastMessage != nil {
		p := &domain.Preview{Text: r.LastMessage.Text, SenderID: r.LastMessage.Sender}
		if at, err := domain.ParseTimestamp(r.LastMessage.At); err == nil {
			p.At = at
		}
		c.LastMessage = p
	}
	return c
}

type profileRecord struct {
	ID          *models.RecordID `json:"id,omitempty"`
	DisplayName string           `json:"display_name"`
}

// typingFromData reads a typing notification payload. Live query payloads
// arrive as generic maps.
func typingFromData(data any) (domain.TypingRecord, bool) {
	var m map[string]any
	switch v := data.(type) {
	case map[string]any:
		m = v
	case map[any]any:
		m = make(map[string]any, len(v))
		for k, val := range v {
			if ks, ok := k.(string); ok {
				m[ks] = val
			}
		}
	default:
		return domain.TypingRecord{}, false
	}

	rec := domain.TypingRecord{
		ConversationID: stringField(m, "conversation"),
		UserID:         stringField(m, "user"),
		DisplayName:    stringField(m, "display_name"),
	}
	if rec.ConversationID == "" || rec.UserID == "" {
		return domain.TypingRecord{}, false
	}
	if active, ok := m["active"].(bool); ok {
		rec.Active = active
	}
	if at, err := domain.ParseTimestamp(m["at"]); err == nil {
		rec.At = at
	}
	return rec, true
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func datetime(ts domain.Timestamp) models.CustomDateTime {
	return models.CustomDateTime{Time: ts.Time()}
}
