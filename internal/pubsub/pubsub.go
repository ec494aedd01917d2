// Package pubsub is the in-process event bus used for ephemeral signals
// such as typing indicators.
package pubsub

import (
	"context"
)

// Message is the structure passed between components on the bus.
type Message struct {
	// Topic identifies the channel the message belongs to (e.g., "chat.typing").
	Topic string
	// UserID identifies the user who produced the message.
	UserID string
	// Payload contains the encoded event.
	Payload []byte
	// Metadata carries arbitrary string pairs alongside the payload.
	Metadata map[string]string
}

// Handler processes a received message. A non-nil error nacks it.
type Handler func(ctx context.Context, msg Message) error

// Publisher defines the contract for sending messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber defines the contract for receiving messages from the bus.
type Subscriber interface {
	// Subscribe starts delivering topic to handler in the background until
	// ctx is canceled or the subscriber is closed.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

// Bus is both ends of the pub/sub system.
type Bus interface {
	Publisher
	Subscriber
}
