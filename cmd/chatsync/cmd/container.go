package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/database"
	"github.com/nfrund/chatsync/internal/gateway"
	"github.com/nfrund/chatsync/internal/logging"
	"github.com/nfrund/chatsync/internal/mutation"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/session"
	"github.com/nfrund/chatsync/internal/typing"
	"github.com/samber/do/v2"
	"go.opentelemetry.io/otel/trace"
)

// Services registered in the injector implement one of the do shutdown
// interfaces so that Shutdown releases them in reverse dependency order.

type store struct {
	*database.Connection
}

func (s store) Shutdown(ctx context.Context) error {
	return s.Close(ctx)
}

type tracing struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

func (t *tracing) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}

type bus struct {
	*pubsub.WatermillBridge
}

func (b bus) Shutdown() error {
	return b.Close()
}

type chat struct {
	*session.Session
}

func (c chat) Shutdown() {
	c.Close()
}

// notices receives rejected optimistic changes; set by commands that print them.
var notices func(mutation.Notice)

func newContainer(ctx context.Context) *do.RootScope {
	i := do.New()

	do.Provide(i, func(do.Injector) (*config.Config, error) {
		return config.New()
	})

	do.Provide(i, func(i do.Injector) (*slog.Logger, error) {
		cfg, err := do.Invoke[*config.Config](i)
		if err != nil {
			return nil, err
		}
		return logging.New(cfg.LogFormat, cfg.LogLevel), nil
	})

	do.Provide(i, func(i do.Injector) (store, error) {
		cfg, err := do.Invoke[*config.Config](i)
		if err != nil {
			return store{}, err
		}
		logger, err := do.Invoke[*slog.Logger](i)
		if err != nil {
			return store{}, err
		}
		conn := database.NewConnection(cfg)
		if err := conn.Connect(ctx); err != nil {
			return store{}, fmt.Errorf("failed to connect to database: %w", err)
		}
		conn.StartMonitoring()
		logger.Debug("Database connected")
		return store{conn}, nil
	})

	do.Provide(i, func(i do.Injector) (*gateway.Surreal, error) {
		db, err := do.Invoke[store](i)
		if err != nil {
			return nil, err
		}
		return gateway.NewSurreal(db.Connection), nil
	})

	do.Provide(i, func(i do.Injector) (*tracing, error) {
		cfg, err := do.Invoke[*config.Config](i)
		if err != nil {
			return nil, err
		}
		tracer, shutdown, err := pubsub.SetupOTel(ctx, cfg.Tracing)
		if err != nil {
			return nil, err
		}
		return &tracing{tracer: tracer, shutdown: shutdown}, nil
	})

	do.Provide(i, func(i do.Injector) (bus, error) {
		t, err := do.Invoke[*tracing](i)
		if err != nil {
			return bus{}, err
		}
		logger, err := do.Invoke[*slog.Logger](i)
		if err != nil {
			return bus{}, err
		}
		return bus{pubsub.NewWatermillBridge(
			pubsub.WithTracer(t.tracer),
			pubsub.WithLogger(logger.With("component", "pubsub")),
		)}, nil
	})

	do.Provide(i, func(i do.Injector) (chat, error) {
		if err := requireUser(); err != nil {
			return chat{}, err
		}
		cfg, err := do.Invoke[*config.Config](i)
		if err != nil {
			return chat{}, err
		}
		logger, err := do.Invoke[*slog.Logger](i)
		if err != nil {
			return chat{}, err
		}
		backend, err := do.Invoke[*gateway.Surreal](i)
		if err != nil {
			return chat{}, err
		}

		opts := session.Options{
			UserID:         userID,
			DisplayName:    displayName,
			BroadcastRooms: cfg.BroadcastRooms,
			PageSize:       cfg.PageSize,
			TailSize:       cfg.TailSize,
			TypingWindow:   cfg.TypingWindow,
			ProfileTTL:     cfg.ProfileTTL,
			OnNotice:       notices,
			Logger:         logger.With("component", "session"),
		}
		if typingBus {
			b, err := do.Invoke[bus](i)
			if err != nil {
				return chat{}, err
			}
			opts.TypingTransport = typing.NewBusTransport(b.WatermillBridge)
		}
		return chat{session.New(backend, opts)}, nil
	})

	return i
}

// startSession resolves the session from the container and starts it.
func startSession(ctx context.Context, i do.Injector) (*session.Session, error) {
	c, err := do.Invoke[chat](i)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return c.Session, nil
}
