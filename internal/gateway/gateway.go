// Package gateway defines the backend contracts of the sync engine and a
// SurrealDB implementation of them.
package gateway

import (
	"context"
	"sync"

	"github.com/nfrund/chatsync/internal/domain"
)

// Page is a backward page of history, ordered oldest to newest.
type Page struct {
	Messages []domain.Message
	// Cursor points at the oldest message of the page; nil for an empty page.
	Cursor *domain.Cursor
	// HasMore is false once the page reached the start of the conversation.
	HasMore bool
}

// Subscription is a handle on a live stream. Unsubscribe is idempotent and no
// callback is delivered after it returns.
type Subscription interface {
	Unsubscribe()
}

// Messages reads and writes conversation history.
type Messages interface {
	// FetchPage returns up to pageSize messages strictly older than before, or
	// the newest messages when before is nil.
	FetchPage(ctx context.Context, conversationID string, pageSize int, before *domain.Cursor) (Page, error)

	// SubscribeTail streams the newest window of size messages. onUpdate receives
	// the full window, oldest first, initially and after every change to it.
	SubscribeTail(ctx context.Context, conversationID string, size int, onUpdate func([]domain.Message), onError func(error)) (Subscription, error)

	// Append stores a new message and returns it with its backend ID and timestamp.
	Append(ctx context.Context, draft domain.Draft) (domain.Message, error)

	// Mutate applies a patch atomically and returns the resulting message.
	Mutate(ctx context.Context, conversationID, messageID string, patch domain.Patch) (domain.Message, error)
}

// Conversations manages the conversation list of a user.
type Conversations interface {
	SubscribeConversations(ctx context.Context, userID string, onUpdate func([]domain.Conversation), onError func(error)) (Subscription, error)
	// EnsureMember joins userID to the conversation, creating a broadcast room
	// with that ID if none exists. Joining twice is a no-op.
	EnsureMember(ctx context.Context, conversationID, userID string) error
	CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, error)
	MarkRead(ctx context.Context, conversationID, userID string) error
}

// Presence carries ephemeral typing records.
type Presence interface {
	UpsertTyping(ctx context.Context, rec domain.TypingRecord) error
	ClearTyping(ctx context.Context, conversationID, userID string) error
	SubscribeTyping(ctx context.Context, conversationID string, fn func(domain.TypingRecord)) (Subscription, error)
}

// Profiles resolves user display data.
type Profiles interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Backend is everything a chat session needs from the store.
type Backend interface {
	Messages
	Conversations
	Presence
	Profiles
}

// OnceSubscription adapts a stop function into an idempotent Subscription.
func OnceSubscription(stop func()) Subscription {
	return &onceSub{stop: stop}
}

type onceSub struct {
	once sync.Once
	stop func()
}

func (s *onceSub) Unsubscribe() {
	s.once.Do(s.stop)
}
