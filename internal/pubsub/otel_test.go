package pubsub

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func spanNames(rec *tracetest.SpanRecorder) []string {
	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	return names
}

func TestTracingMiddleware(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	bridge := NewWatermillBridge(WithTracer(tp.Tracer("test")))
	t.Cleanup(func() { _ = bridge.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Message, 1)
	require.NoError(t, bridge.Subscribe(ctx, "test.topic", func(ctx context.Context, msg Message) error {
		got <- msg
		return nil
	}))

	require.NoError(t, bridge.Publish(ctx, Message{
		Topic:    "test.topic",
		UserID:   "user123",
		Payload:  []byte(`{"message": "hello world"}`),
		Metadata: map[string]string{"request_id": "req-123"},
	}))

	select {
	case msg := <-got:
		assert.Equal(t, "user123", msg.UserID)
		assert.Equal(t, "test.topic", msg.Topic)
		assert.Equal(t, "req-123", msg.Metadata["request_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	assert.Eventually(t, func() bool {
		names := spanNames(rec)
		return len(names) == 2 &&
			contains(names, "pubsub.publish.test.topic") &&
			contains(names, "pubsub.process.test.topic")
	}, 2*time.Second, 10*time.Millisecond)
}

func contains(names []string, want string) bool {
	return slices.Contains(names, want)
}

func TestSetupOTel(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled tracing", func(t *testing.T) {
		tracer, shutdown, err := SetupOTel(ctx, TracingConfig{Enabled: false})
		require.NoError(t, err)
		require.NotNil(t, tracer)

		_, span := tracer.Start(ctx, "test")
		span.End()
		assert.False(t, span.SpanContext().IsValid())
		assert.NoError(t, shutdown(ctx))
	})

	t.Run("enabled tracing", func(t *testing.T) {
		tracer, shutdown, err := SetupOTel(ctx, TracingConfig{
			Enabled:     true,
			ServiceName: "test-service",
			ZipkinURL:   "http://invalid-url:9411/api/v2/spans",
		})
		require.NoError(t, err)
		require.NotNil(t, tracer)
		assert.NoError(t, shutdown(ctx))
	})
}

func TestLoadTracingConfig(t *testing.T) {
	env := map[string]string{
		"PUBSUB_TRACING_ENABLED":      "true",
		"PUBSUB_TRACING_SERVICE_NAME": "chat-test",
	}
	cfg := LoadTracingConfig(func(k string) string { return env[k] })

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "chat-test", cfg.ServiceName)
	assert.Equal(t, DefaultTracingConfig().ZipkinURL, cfg.ZipkinURL)

	assert.Equal(t, DefaultTracingConfig(), LoadTracingConfig(func(string) string { return "" }))
}
