package domain

// ConversationKind distinguishes the room types of the academy.
type ConversationKind string

const (
	ConversationBroadcast ConversationKind = "broadcast"
	ConversationGroup     ConversationKind = "group"
	ConversationDirect    ConversationKind = "direct"
	ConversationCommerce  ConversationKind = "commerce"
)

// Preview is the denormalized last-message summary stored on a conversation.
type Preview struct {
	Text     string    `json:"text"`
	SenderID string    `json:"sender_id,omitempty"`
	At       Timestamp `json:"at"`
}

// Conversation is a room, group, direct thread or marketplace thread.
type Conversation struct {
	ID          string           `json:"id"`
	Kind        ConversationKind `json:"kind"`
	Title       string           `json:"title"`
	Members     []string         `json:"members"`
	LastMessage *Preview         `json:"last_message,omitempty"`
	Unread      map[string]int   `json:"unread,omitempty"`
	CreatedAt   Timestamp        `json:"created_at"`
	Archived    bool             `json:"archived,omitempty"`
}

// HasMember reports whether userID belongs to the conversation.
func (c Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// UnreadFor returns the unread counter of userID.
func (c Conversation) UnreadFor(userID string) int {
	return c.Unread[userID]
}

// ActivityAt is the recency key: the last message time, or the creation time
// for conversations without messages.
func (c Conversation) ActivityAt() Timestamp {
	if c.LastMessage != nil && !c.LastMessage.At.IsZero() {
		return c.LastMessage.At
	}
	return c.CreatedAt
}
