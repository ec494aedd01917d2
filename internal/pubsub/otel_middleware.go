package pubsub

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const previewLimit = 100

// startSpan opens a span named pubsub.<op>.<topic> for msg and stores it in
// the message context.
func startSpan(tracer trace.Tracer, op, topic string, msg *message.Message) trace.Span {
	ctx := msg.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracer.Start(ctx, "pubsub."+op+"."+topic,
		trace.WithAttributes(
			attribute.String("messaging.system", "watermill"),
			attribute.String("messaging.operation", op),
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.message_id", msg.UUID),
			attribute.String("user.id", msg.Metadata.Get(metaKeyUserID)),
			attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
			attribute.String("messaging.message_payload_preview", payloadPreview(msg.Payload)),
		),
	)
	msg.SetContext(ctx)
	return span
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TracingMiddleware wraps a watermill handler in a processing span.
func TracingMiddleware(tracer trace.Tracer) func(message.HandlerFunc) message.HandlerFunc {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			span := startSpan(tracer, "process", msg.Metadata.Get(metaKeyTopic), msg)
			defer span.End()

			produced, err := h(msg)
			if err != nil {
				fail(span, err)
				return nil, err
			}
			span.SetAttributes(attribute.Int("messaging.messages_produced", len(produced)))
			return produced, nil
		}
	}
}

// PublisherTracingMiddleware starts a publish span per outgoing message.
type PublisherTracingMiddleware struct {
	publisher message.Publisher
	tracer    trace.Tracer
}

// NewPublisherTracingMiddleware wraps publisher.
func NewPublisherTracingMiddleware(publisher message.Publisher, tracer trace.Tracer) *PublisherTracingMiddleware {
	return &PublisherTracingMiddleware{publisher: publisher, tracer: tracer}
}

// Publish implements message.Publisher.
func (p *PublisherTracingMiddleware) Publish(topic string, messages ...*message.Message) error {
	spans := make([]trace.Span, len(messages))
	for i, msg := range messages {
		spans[i] = startSpan(p.tracer, "publish", topic, msg)
	}

	err := p.publisher.Publish(topic, messages...)
	for _, span := range spans {
		if err != nil {
			fail(span, err)
		}
		span.End()
	}
	return err
}

// Close closes the underlying publisher.
func (p *PublisherTracingMiddleware) Close() error {
	return p.publisher.Close()
}

func payloadPreview(payload []byte) string {
	if len(payload) > previewLimit {
		return string(payload[:previewLimit]) + "..."
	}
	return string(payload)
}
