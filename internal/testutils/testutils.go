package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/logging"
)

// ConfigForTests loads .env.test from the project root and returns the
// resulting configuration. Tests are skipped when no database is configured.
func ConfigForTests(t *testing.T) *config.Config {
	t.Helper()

	path, _ := os.Getwd()
	for {
		if _, err := os.Stat(filepath.Join(path, "go.mod")); err == nil {
			break
		}
		if path == filepath.Dir(path) {
			t.Fatalf("could not find project root with go.mod")
		}
		path = filepath.Dir(path)
	}

	if env, err := godotenv.Read(filepath.Join(path, ".env.test")); err == nil {
		for key, value := range env {
			t.Setenv(key, value)
		}
	}
	if os.Getenv("SURREAL_URL") == "" {
		t.Skip("SURREAL_URL not set")
	}

	cfg, err := config.FromEnv(os.Getenv)
	if err != nil {
		t.Fatalf("invalid test configuration: %v", err)
	}
	logging.New(cfg.LogFormat, cfg.LogLevel)
	return cfg
}
