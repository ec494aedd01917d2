package pubsub

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.opentelemetry.io/otel/trace"
)

// WatermillBridge implements Bus on top of watermill's GoChannel.
type WatermillBridge struct {
	pub    message.Publisher
	sub    message.Subscriber
	tracer trace.Tracer
	logger *slog.Logger
	buffer int64
}

const (
	// Metadata keys used to carry Message fields through watermill.
	metaKeyUserID = "user_id"
	metaKeyTopic  = "topic"
)

// BridgeOption configures a WatermillBridge.
type BridgeOption func(*WatermillBridge)

// WithTracer traces publishes and handler invocations.
func WithTracer(tracer trace.Tracer) BridgeOption {
	return func(wb *WatermillBridge) { wb.tracer = tracer }
}

// WithLogger sets the logger for delivery failures.
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(wb *WatermillBridge) { wb.logger = logger }
}

// WithOutputBuffer sets the per-subscriber channel buffer.
func WithOutputBuffer(n int64) BridgeOption {
	return func(wb *WatermillBridge) { wb.buffer = n }
}

// NewWatermillBridge initializes an in-memory bus.
func NewWatermillBridge(opts ...BridgeOption) *WatermillBridge {
	wb := &WatermillBridge{buffer: 64}
	for _, opt := range opts {
		opt(wb)
	}
	if wb.logger == nil {
		wb.logger = slog.Default().With("component", "pubsub")
	}

	goChannel := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: wb.buffer},
		watermill.NewStdLogger(false, false),
	)
	wb.pub = goChannel
	wb.sub = goChannel
	if wb.tracer != nil {
		wb.pub = NewPublisherTracingMiddleware(goChannel, wb.tracer)
	}
	return wb
}

func mapToWatermillMessage(ctx context.Context, msg Message) *message.Message {
	wmMsg := message.NewMessage(watermill.NewUUID(), msg.Payload)
	wmMsg.SetContext(ctx)

	wmMsg.Metadata.Set(metaKeyUserID, msg.UserID)
	wmMsg.Metadata.Set(metaKeyTopic, msg.Topic)
	for k, v := range msg.Metadata {
		wmMsg.Metadata.Set(k, v)
	}
	return wmMsg
}

func mapToPubSubMessage(wmMsg *message.Message) Message {
	userID := wmMsg.Metadata.Get(metaKeyUserID)
	topic := wmMsg.Metadata.Get(metaKeyTopic)

	metadata := make(map[string]string)
	for k, v := range wmMsg.Metadata {
		if k != metaKeyUserID && k != metaKeyTopic {
			metadata[k] = v
		}
	}
	if userID != "" {
		metadata[metaKeyUserID] = userID
	}

	return Message{
		Topic:    topic,
		UserID:   userID,
		Payload:  wmMsg.Payload,
		Metadata: metadata,
	}
}

// Publish implements the Publisher interface.
func (wb *WatermillBridge) Publish(ctx context.Context, msg Message) error {
	return wb.pub.Publish(msg.Topic, mapToWatermillMessage(ctx, msg))
}

// Subscribe implements the Subscriber interface. It returns once the
// subscription is registered; delivery runs on its own goroutine.
func (wb *WatermillBridge) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := wb.sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	process := message.HandlerFunc(func(wmMsg *message.Message) ([]*message.Message, error) {
		return nil, handler(wmMsg.Context(), mapToPubSubMessage(wmMsg))
	})
	if wb.tracer != nil {
		process = TracingMiddleware(wb.tracer)(process)
	}

	go func() {
		for wmMsg := range messages {
			if _, err := process(wmMsg); err != nil {
				wb.logger.Error("Failed to handle message", "topic", topic, "msg_id", wmMsg.UUID, "error", err)
				wmMsg.Nack()
				continue
			}
			wmMsg.Ack()
		}
		wb.logger.Debug("Subscription message loop ended", "topic", topic)
	}()
	return nil
}

// Close shuts the bus down and ends every subscription.
func (wb *WatermillBridge) Close() error {
	return wb.sub.Close()
}
