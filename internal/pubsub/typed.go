package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Event binds a topic name to its payload type.
type Event[T any] struct {
	topicName string
}

// NewEvent declares a typed topic.
func NewEvent[T any](name string) Event[T] {
	return Event[T]{topicName: name}
}

// Name returns the topic name.
func (e Event[T]) Name() string {
	return e.topicName
}

// Publish sends a typed event on behalf of userID.
func Publish[T any](ctx context.Context, p Publisher, event Event[T], userID string, payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.Name(), err)
	}
	return p.Publish(ctx, Message{
		Topic:   event.Name(),
		UserID:  userID,
		Payload: data,
	})
}

// Subscribe decodes every event on the topic and passes it to fn. Payloads
// that fail to decode are logged and acknowledged.
func Subscribe[T any](ctx context.Context, s Subscriber, event Event[T], fn func(ctx context.Context, userID string, payload T) error) error {
	return s.Subscribe(ctx, event.Name(), func(ctx context.Context, msg Message) error {
		var payload T
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			slog.Warn("Dropping undecodable event", "topic", event.Name(), "error", err)
			return nil
		}
		return fn(ctx, msg.UserID, payload)
	})
}
