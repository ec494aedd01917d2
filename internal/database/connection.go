package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/retry"
	"github.com/surrealdb/surrealdb.go"
)

// DBConnection is the managed connection consumed by the gateway.
type DBConnection interface {
	DB() (*surrealdb.DB, error)
	WithConnection(ctx context.Context, fn func(*surrealdb.DB) error) error
	IsHealthy() bool
	Close(ctx context.Context) error
	GetDBQueryTimeout() time.Duration
	GetDBExecuteTimeout() time.Duration
}

// Connection manages a SurrealDB connection with health monitoring and
// reconnection on transport failures.
type Connection struct { // Implements DBConnection
	cfg       config.Provider
	conn      *surrealdb.DB
	retryer   retry.Retryer
	mu        sync.RWMutex
	healthy   bool
	done      chan struct{}
	closeOnce sync.Once
	interval  time.Duration
}

// NewConnection creates a new managed database connection.
func NewConnection(cfg config.Provider) *Connection {
	return &Connection{
		cfg:      cfg,
		retryer:  retry.NewBackoff(),
		done:     make(chan struct{}),
		interval: 30 * time.Second,
	}
}

// Connect establishes the initial database connection.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	return c.reconnect(ctx)
}

// WithConnection executes a function with a database connection, reconnecting
// with backoff when the failure looks like a lost connection.
func (c *Connection) WithConnection(ctx context.Context, fn func(*surrealdb.DB) error) error {
	conn := c.getConnection()
	if conn == nil {
		return NewDBError(ErrNotConnected, "database not connected")
	}

	err := fn(conn)
	if err == nil {
		return nil
	}

	if !IsConnectionError(err) || ctx.Err() != nil {
		return err
	}

	slog.WarnContext(ctx, "Database operation failed, attempting to reconnect with backoff", "event", "db_reconnect_triggered", "version", "1.0", "error", err, "db_url", redactDBURL(c.cfg.GetDBURL()))

	return c.retryer.Retry(ctx, func() error {
		if reconnectErr := c.forceReconnect(ctx); reconnectErr != nil {
			return fmt.Errorf("reconnection failed: %w (original error: %v)", reconnectErr, err)
		}
		return fn(c.getConnection())
	})
}

// StartMonitoring begins health checks and automatic reconnection.
func (c *Connection) StartMonitoring() {
	go c.monitorConnection()
}

// Close shuts down the connection and monitoring.
func (c *Connection) Close(ctx context.Context) error {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = false
	if c.conn != nil {
		err := c.conn.Close(ctx)
		c.conn = nil
		return err
	}
	return nil
}

// DB returns the underlying database connection if it's healthy.
func (c *Connection) DB() (*surrealdb.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || !c.healthy {
		return nil, NewDBError(ErrNotConnected, "database not connected or unhealthy")
	}
	return c.conn, nil
}

// IsHealthy returns the current connection status.
func (c *Connection) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *Connection) getConnection() *surrealdb.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Connection) reconnect(ctx context.Context) error {
	if c.conn != nil {
		_ = c.conn.Close(ctx)
		c.conn = nil
	}

	dbURL := c.cfg.GetDBURL()
	slog.DebugContext(ctx, "Attempting to connect to database", "event", "db_connect_attempt", "version", "1.0", "db_url", redactDBURL(dbURL))

	conn, err := surrealdb.FromEndpointURLString(ctx, dbURL)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to create database connection", "event", "db_connect_failure", "version", "1.0",
			"db_url", redactDBURL(dbURL),
			"error", err,
		)
		c.healthy = false
		return fmt.Errorf("failed to connect to database at %s: %w", redactDBURL(dbURL), err)
	}

	if user := c.cfg.GetDBUser(); user != "" {
		authData := &surrealdb.Auth{
			Username: user,
			Password: c.cfg.GetDBPass(),
		}
		if _, err = conn.SignIn(ctx, authData); err != nil {
			_ = conn.Close(ctx)
			slog.ErrorContext(ctx, "Failed to sign in to database", "event", "db_auth_failure", "version", "1.0",
				"db_url", redactDBURL(dbURL),
				"user", user,
				"error", err,
			)
			c.healthy = false
			return fmt.Errorf("failed to sign in: %w", err)
		}
	}

	if err = conn.Use(ctx, c.cfg.GetDBNs(), c.cfg.GetDBDb()); err != nil {
		_ = conn.Close(ctx)
		slog.ErrorContext(ctx, "Failed to use namespace/database", "event", "db_namespace_failure", "version", "1.0",
			"db_url", redactDBURL(dbURL),
			"namespace", c.cfg.GetDBNs(),
			"database", c.cfg.GetDBDb(),
			"error", err,
		)
		c.healthy = false
		return fmt.Errorf("failed to use namespace/db: %w", err)
	}

	c.conn = conn
	c.healthy = true
	slog.DebugContext(ctx, "Database connection established", "event", "db_connect_success", "version", "1.0",
		"db_url", redactDBURL(dbURL),
		"namespace", c.cfg.GetDBNs(),
		"database", c.cfg.GetDBDb(),
	)
	return nil
}

func (c *Connection) forceReconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect(ctx)
}

func (c *Connection) monitorConnection() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.checkHealth(ctx); err != nil {
				slog.WarnContext(ctx, "Database health check failed, attempting reconnection with backoff", "event", "db_health_check_failure", "version", "1.0", "error", err, "db_url", redactDBURL(c.cfg.GetDBURL()))
				if reconnectErr := c.retryer.Retry(ctx, func() error {
					return c.forceReconnect(ctx)
				}); reconnectErr != nil {
					slog.ErrorContext(ctx, "Failed to reconnect to database after health check failure", "event", "db_reconnect_failure", "version", "1.0", "error", reconnectErr, "db_url", redactDBURL(c.cfg.GetDBURL()))
				}
			}
			cancel()
		case <-c.done:
			return
		}
	}
}

func (c *Connection) checkHealth(ctx context.Context) error {
	conn := c.getConnection()
	if conn == nil {
		c.setHealthy(false)
		return errors.New("no active database connection")
	}

	// Version is a lightweight round trip.
	if _, err := conn.Version(ctx); err != nil {
		c.setHealthy(false)
		return fmt.Errorf("database health check failed for %s: %w", redactDBURL(c.cfg.GetDBURL()), err)
	}

	// Sample successful health checks to reduce log volume.
	if rand.Float32() < 0.1 {
		slog.DebugContext(ctx, "Database health check successful", "event", "db_health_check_success", "version", "1.0", "db_url", redactDBURL(c.cfg.GetDBURL()))
	}
	c.setHealthy(true)
	return nil
}

func (c *Connection) setHealthy(h bool) {
	c.mu.Lock()
	c.healthy = h
	c.mu.Unlock()
}

// IsConnectionError reports whether err is likely due to a lost or failed
// connection rather than an application-level failure.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrLiveQueryClosed) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "use of closed network connection") ||
		strings.Contains(errMsg, "unexpected eof")
}

// redactDBURL returns dbURL with the password replaced by "xxxxx".
func redactDBURL(dbURL string) string {
	parsedURL, err := url.Parse(dbURL)
	if err != nil {
		return "invalid-url"
	}
	return parsedURL.Redacted()
}

// GetDBQueryTimeout returns the query timeout from the config provider.
func (c *Connection) GetDBQueryTimeout() time.Duration {
	return c.cfg.GetDBQueryTimeout()
}

// GetDBExecuteTimeout returns the execute timeout from the config provider.
func (c *Connection) GetDBExecuteTimeout() time.Duration {
	return c.cfg.GetDBExecuteTimeout()
}
