package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/nfrund/chatsync/internal/pubsub"
)

// Provider exposes the database settings consumed by the connection layer.
type Provider interface {
	GetDBURL() string
	GetDBUser() string
	GetDBPass() string
	GetDBNs() string
	GetDBDb() string
	GetDBQueryTimeout() time.Duration
	GetDBExecuteTimeout() time.Duration
}

// Config holds all configuration for the application.
type Config struct {
	DBUrl            string        `validate:"required,url"`
	DBNs             string        `validate:"required"`
	DBDb             string        `validate:"required"`
	DBUser           string
	DBPass           string
	DBQueryTimeout   time.Duration `validate:"gt=0"`
	DBExecuteTimeout time.Duration `validate:"gt=0"`

	PageSize       int           `validate:"min=1,max=500"`
	TailSize       int           `validate:"min=1,max=500"`
	TypingWindow   time.Duration `validate:"gte=1s"`
	BroadcastRooms []string      `validate:"dive,required"`
	ProfileTTL     time.Duration `validate:"gt=0"`

	LogFormat   string `validate:"oneof=text json"`
	LogLevel    string `validate:"oneof=debug info warn error"`
	MetricsAddr string
	Tracing     pubsub.TracingConfig
}

var validate = validator.New()

// New loads configuration from a .env file, if present, and the environment.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function and validates it.
func FromEnv(getenv func(string) string) (*Config, error) {
	e := env{getenv: getenv}
	cfg := &Config{
		DBUrl:            e.str("SURREAL_URL", ""),
		DBUser:           e.str("SURREAL_USER", ""),
		DBPass:           e.str("SURREAL_PASS", ""),
		DBNs:             e.str("SURREAL_NS", ""),
		DBDb:             e.str("SURREAL_DB", ""),
		DBQueryTimeout:   e.duration("DB_QUERY_TIMEOUT", 10*time.Second),
		DBExecuteTimeout: e.duration("DB_EXECUTE_TIMEOUT", 30*time.Second),
		PageSize:         e.int("CHAT_PAGE_SIZE", 30),
		TailSize:         e.int("CHAT_TAIL_SIZE", 30),
		TypingWindow:     e.duration("CHAT_TYPING_WINDOW", 5*time.Second),
		BroadcastRooms:   e.list("CHAT_BROADCAST_ROOMS", []string{"announcements", "general"}),
		ProfileTTL:       e.duration("CHAT_PROFILE_TTL", 10*time.Minute),
		LogFormat:        e.str("LOG_FORMAT", "text"),
		LogLevel:         strings.ToLower(e.str("LOG_LEVEL", "info")),
		MetricsAddr:      e.str("METRICS_ADDR", ""),
		Tracing:          pubsub.LoadTracingConfig(getenv),
	}
	if len(e.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(e.errs, "; "))
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) GetDBURL() string                   { return c.DBUrl }
func (c *Config) GetDBUser() string                  { return c.DBUser }
func (c *Config) GetDBPass() string                  { return c.DBPass }
func (c *Config) GetDBNs() string                    { return c.DBNs }
func (c *Config) GetDBDb() string                    { return c.DBDb }
func (c *Config) GetDBQueryTimeout() time.Duration   { return c.DBQueryTimeout }
func (c *Config) GetDBExecuteTimeout() time.Duration { return c.DBExecuteTimeout }

type env struct {
	getenv func(string) string
	errs   []string
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}

func (e *env) list(key string, def []string) []string {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
