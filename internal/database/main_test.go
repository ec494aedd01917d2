package database

import (
	"log"
	"os"
	"testing"

	"github.com/joho/godotenv"
)

// TestMain loads the test-specific environment from `.env.test` when present.
func TestMain(m *testing.M) {
	if err := godotenv.Load("../../.env.test"); err != nil {
		log.Println("Warning: .env.test file not found, relying on environment variables.")
	}
	os.Exit(m.Run())
}
