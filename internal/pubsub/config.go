package pubsub

import (
	"strconv"
	"strings"
)

// LoadTracingConfig reads the PUBSUB_TRACING_* keys through getenv.
func LoadTracingConfig(getenv func(string) string) TracingConfig {
	config := DefaultTracingConfig()

	if enabledStr := strings.TrimSpace(getenv("PUBSUB_TRACING_ENABLED")); enabledStr != "" {
		if enabled, err := strconv.ParseBool(enabledStr); err == nil {
			config.Enabled = enabled
		}
	}
	if serviceName := strings.TrimSpace(getenv("PUBSUB_TRACING_SERVICE_NAME")); serviceName != "" {
		config.ServiceName = serviceName
	}
	if zipkinURL := strings.TrimSpace(getenv("PUBSUB_TRACING_ZIPKIN_URL")); zipkinURL != "" {
		config.ZipkinURL = zipkinURL
	}
	return config
}
