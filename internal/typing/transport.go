// Package typing broadcasts and tracks ephemeral "user is typing" signals.
package typing

import (
	"context"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/gateway"
	"github.com/nfrund/chatsync/internal/pubsub"
)

// Transport carries typing records between participants.
type Transport interface {
	Publish(ctx context.Context, rec domain.TypingRecord) error
	Subscribe(ctx context.Context, conversationID string, fn func(domain.TypingRecord)) (gateway.Subscription, error)
}

// GatewayTransport stores typing records in the backend's presence set.
type GatewayTransport struct {
	presence gateway.Presence
}

// NewGatewayTransport creates a transport over the backend presence set.
func NewGatewayTransport(p gateway.Presence) *GatewayTransport {
	return &GatewayTransport{presence: p}
}

// Publish upserts an active record or clears a stopped one.
func (t *GatewayTransport) Publish(ctx context.Context, rec domain.TypingRecord) error {
	if rec.Active {
		return t.presence.UpsertTyping(ctx, rec)
	}
	return t.presence.ClearTyping(ctx, rec.ConversationID, rec.UserID)
}

// Subscribe implements Transport.
func (t *GatewayTransport) Subscribe(ctx context.Context, conversationID string, fn func(domain.TypingRecord)) (gateway.Subscription, error) {
	return t.presence.SubscribeTyping(ctx, conversationID, fn)
}

// TopicTyping carries typing records on the in-process bus.
var TopicTyping = pubsub.NewEvent[domain.TypingRecord]("chat.typing")

// BusTransport exchanges typing records over an in-process bus, for
// participants sharing one process.
type BusTransport struct {
	bus pubsub.Bus
}

// NewBusTransport creates a transport over bus.
func NewBusTransport(bus pubsub.Bus) *BusTransport {
	return &BusTransport{bus: bus}
}

// Publish implements Transport.
func (t *BusTransport) Publish(ctx context.Context, rec domain.TypingRecord) error {
	return pubsub.Publish(ctx, t.bus, TopicTyping, rec.UserID, rec)
}

// Subscribe delivers records for conversationID until the subscription is
// stopped.
func (t *BusTransport) Subscribe(ctx context.Context, conversationID string, fn func(domain.TypingRecord)) (gateway.Subscription, error) {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	err := pubsub.Subscribe(subCtx, t.bus, TopicTyping, func(ctx context.Context, userID string, rec domain.TypingRecord) error {
		if rec.ConversationID == conversationID {
			fn(rec)
		}
		return nil
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return gateway.OnceSubscription(cancel), nil
}
