package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nfrund/chatsync/internal/database"
	"github.com/surrealdb/surrealdb.go"
)

// Surreal implements Backend on SurrealDB.
type Surreal struct {
	conn   database.DBConnection
	live   *database.LiveQueries
	logger *slog.Logger
}

var _ Backend = (*Surreal)(nil)

// NewSurreal creates a gateway over a managed connection.
func NewSurreal(conn database.DBConnection) *Surreal {
	return &Surreal{
		conn:   conn,
		live:   database.NewLiveQueries(conn),
		logger: slog.Default().With("component", "gateway"),
	}
}

func (s *Surreal) readCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, s.conn.GetDBQueryTimeout())
}

func (s *Surreal) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, s.conn.GetDBExecuteTimeout())
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func query[T any](ctx context.Context, s *Surreal, q string, params map[string]any) ([]T, error) {
	var rows []T
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var err error
		rows, err = database.Query[T](ctx, db, q, params)
		return err
	})
	return rows, err
}

func (s *Surreal) execute(ctx context.Context, q string, params map[string]any) error {
	return s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		return database.Execute(ctx, db, q, params)
	})
}

// stream wraps a live query. Deliveries are serialized by mu and none starts
// after Unsubscribe.
type stream struct {
	mu      sync.Mutex
	stopped atomic.Bool

	liveMu sync.Mutex
	live   *database.LiveSubscription
}

func (st *stream) attach(live *database.LiveSubscription) {
	st.liveMu.Lock()
	defer st.liveMu.Unlock()
	if st.stopped.Load() {
		live.Unsubscribe()
		return
	}
	st.live = live
}

func (st *stream) deliver(fn func()) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.stopped.Load() {
		return
	}
	fn()
}

func (st *stream) Unsubscribe() {
	if st.stopped.Swap(true) {
		return
	}
	st.liveMu.Lock()
	live := st.live
	st.liveMu.Unlock()
	live.Unsubscribe()
}
