package domain

// TypingRecord is an ephemeral "user is typing" signal keyed by
// (conversation, user). Active=false is the explicit stop signal.
type TypingRecord struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	DisplayName    string    `json:"display_name"`
	At             Timestamp `json:"at"`
	Active         bool      `json:"active"`
}
