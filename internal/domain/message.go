package domain

import (
	"maps"
	"slices"
)

// MessageKind is the content kind of a message.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindSystem MessageKind = "system"
)

// DeliveryStatus describes where a message is in the optimistic send lifecycle.
type DeliveryStatus string

const (
	StatusConfirmed DeliveryStatus = "confirmed"
	StatusSending   DeliveryStatus = "sending"
	StatusFailed    DeliveryStatus = "failed"
)

// Body is the content of a message: text, a single attachment reference, or both.
type Body struct {
	Text       string `json:"text,omitempty"`
	Attachment string `json:"attachment,omitempty"`
}

// Message is a single entry in a conversation's history.
type Message struct {
	ID             string              `json:"id,omitempty"`
	ConversationID string              `json:"conversation_id"`
	SenderID       string              `json:"sender_id"`
	SenderName     string              `json:"sender_name,omitempty"`
	Body           Body                `json:"body"`
	Kind           MessageKind         `json:"kind"`
	CreatedAt      Timestamp           `json:"created_at"`
	EditedAt       *Timestamp          `json:"edited_at,omitempty"`
	Reactions      map[string][]string `json:"reactions,omitempty"`
	Reported       bool                `json:"reported,omitempty"`
	Nonce          string              `json:"nonce,omitempty"`

	// Client-side fields, never sent to the backend.
	TempID string         `json:"temp_id,omitempty"`
	Status DeliveryStatus `json:"status,omitempty"`
	Err    error          `json:"-"`
}

// Key returns the ordering identity of the message.
func (m Message) Key() Key {
	return Key{At: m.CreatedAt, ID: m.ID}
}

// LocalID is the identity a UI should use for list keys: the temporary ID when
// one was ever assigned, otherwise the backend ID.
func (m Message) LocalID() string {
	if m.TempID != "" {
		return m.TempID
	}
	return m.ID
}

// Pending reports whether the message has not been confirmed by the backend.
func (m Message) Pending() bool {
	return m.Status == StatusSending || m.Status == StatusFailed
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	out := m
	if m.EditedAt != nil {
		at := *m.EditedAt
		out.EditedAt = &at
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			out.Reactions[emoji] = slices.Clone(users)
		}
	}
	return out
}

// HasReaction reports whether userID reacted with emoji.
func (m Message) HasReaction(emoji, userID string) bool {
	_, found := slices.BinarySearch(m.Reactions[emoji], userID)
	return found
}

// AddReaction adds userID to the emoji's set. Reaction sets are kept sorted so
// that the result does not depend on arrival order.
func (m *Message) AddReaction(emoji, userID string) {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	users := m.Reactions[emoji]
	i, found := slices.BinarySearch(users, userID)
	if found {
		return
	}
	m.Reactions[emoji] = slices.Insert(users, i, userID)
}

// RemoveReaction removes userID from the emoji's set, dropping empty sets.
func (m *Message) RemoveReaction(emoji, userID string) {
	users := m.Reactions[emoji]
	i, found := slices.BinarySearch(users, userID)
	if !found {
		return
	}
	users = slices.Delete(slices.Clone(users), i, i+1)
	if len(users) == 0 {
		delete(m.Reactions, emoji)
		return
	}
	m.Reactions[emoji] = users
}

// ReactionEmojis returns the emojis present on the message in sorted order.
func (m Message) ReactionEmojis() []string {
	return slices.Sorted(maps.Keys(m.Reactions))
}

// Key is the ordering identity of a message: creation time, then backend ID.
// Two messages can share a timestamp at coarse resolution; the ID breaks ties.
type Key struct {
	At Timestamp `json:"at"`
	ID string    `json:"id"`
}

// Less orders keys chronologically with the ID as tiebreaker.
func (k Key) Less(o Key) bool {
	if k.At != o.At {
		return k.At < o.At
	}
	return k.ID < o.ID
}
