package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

// LiveQueryAction represents the type of change in a live query update
type LiveQueryAction string

const (
	ActionCreate LiveQueryAction = "CREATE"
	ActionUpdate LiveQueryAction = "UPDATE"
	ActionDelete LiveQueryAction = "DELETE"
)

// LiveQueryHandler is called for every change matching a live query.
// Calls for one subscription are sequential and in server order.
type LiveQueryHandler func(ctx context.Context, action LiveQueryAction, data any)

// LiveQueryFilter defines optional filtering for live queries
type LiveQueryFilter struct {
	Where  string         // SurrealQL WHERE clause
	Params map[string]any // Query parameters
	Fields []string       // Specific fields to watch (optional)
}

// LiveSubscription is a handle on a running live query.
type LiveSubscription struct {
	ID    string
	Table string

	cancel context.CancelFunc
	once   sync.Once
}

// Unsubscribe stops delivery and kills the live query. It is idempotent and
// returns without waiting for the server round trip.
func (s *LiveSubscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// LiveQueries starts SurrealDB live queries over a managed connection.
type LiveQueries struct {
	db     DBConnection
	logger *slog.Logger
}

// NewLiveQueries creates a live query service.
func NewLiveQueries(db DBConnection) *LiveQueries {
	return &LiveQueries{
		db:     db,
		logger: slog.Default().With("service", "live_query"),
	}
}

// Subscribe runs LIVE SELECT on table. onClosed, if set, is called once when the
// server side ends the stream without Unsubscribe being called.
func (s *LiveQueries) Subscribe(ctx context.Context, table string, filter *LiveQueryFilter, handler LiveQueryHandler, onClosed func(error)) (*LiveSubscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	fieldList := "*"
	if filter != nil && len(filter.Fields) > 0 {
		fieldList = strings.Join(filter.Fields, ", ")
	}
	query := fmt.Sprintf("LIVE SELECT %s FROM %s", fieldList, table)
	if filter != nil && filter.Where != "" {
		query = fmt.Sprintf("%s WHERE %s", query, filter.Where)
	}

	params := map[string]any{}
	if filter != nil {
		for k, v := range filter.Params {
			params[k] = v
		}
	}

	subID := uuid.NewString()
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &LiveSubscription{ID: subID, Table: table, cancel: cancel}

	err := s.db.WithConnection(ctx, func(dbConn *surrealdb.DB) error {
		liveQueryID, err := startLiveQuery(ctx, dbConn, query, params)
		if err != nil {
			return err
		}

		notifications, err := dbConn.LiveNotifications(liveQueryID)
		if err != nil {
			return fmt.Errorf("failed to get notification channel: %w", err)
		}

		s.logger.DebugContext(ctx, "Live query established", "subID", subID, "table", table, "liveQueryID", liveQueryID)

		go s.listen(subCtx, sub, notifications, handler, onClosed)
		go s.cleanupOnCancel(subCtx, dbConn, subID, liveQueryID)
		return nil
	})
	if err != nil {
		cancel()
		return nil, WrapError(err, fmt.Sprintf("failed to start live query on %s", table))
	}

	return sub, nil
}

func startLiveQuery(ctx context.Context, dbConn *surrealdb.DB, query string, params map[string]any) (string, error) {
	results, err := surrealdb.Query[any](ctx, dbConn, query, params)
	if err != nil {
		return "", fmt.Errorf("failed to execute live query: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return "", fmt.Errorf("live query returned no results")
	}

	result := (*results)[0]
	if result.Status != "OK" {
		return "", NewDBError(ErrQueryFailed, fmt.Sprintf("live query failed with status: %s", result.Status)).WithQuery(query)
	}

	// The live query ID may arrive as a string, a UUID, or a map holding either.
	var id string
	switch v := result.Result.(type) {
	case string:
		id = v
	case models.UUID:
		id = v.String()
	case map[string]any:
		switch inner := v["id"].(type) {
		case string:
			id = inner
		case models.UUID:
			id = inner.String()
		default:
			return "", fmt.Errorf("live query result map does not contain 'id' field: %+v", v)
		}
	default:
		return "", fmt.Errorf("unexpected live query result type: %T", result.Result)
	}
	if id == "" {
		return "", fmt.Errorf("live query returned empty UUID")
	}
	return id, nil
}

func (s *LiveQueries) listen(ctx context.Context, sub *LiveSubscription, notifications <-chan connection.Notification, handler LiveQueryHandler, onClosed func(error)) {
	for {
		select {
		case <-ctx.Done():
			return

		case notification, ok := <-notifications:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("Live query notification channel closed", "subID", sub.ID, "table", sub.Table)
				sub.Unsubscribe()
				if onClosed != nil {
					onClosed(NewDBError(ErrLiveQueryClosed, fmt.Sprintf("live query on %s closed", sub.Table)))
				}
				return
			}

			var action LiveQueryAction
			switch notification.Action {
			case connection.CreateAction:
				action = ActionCreate
			case connection.UpdateAction:
				action = ActionUpdate
			case connection.DeleteAction:
				action = ActionDelete
			default:
				s.logger.Warn("Unknown notification action", "subID", sub.ID, "action", notification.Action)
				continue
			}

			if ctx.Err() != nil {
				return
			}
			s.deliver(ctx, sub, handler, action, notification.Result)
		}
	}
}

func (s *LiveQueries) deliver(ctx context.Context, sub *LiveSubscription, handler LiveQueryHandler, action LiveQueryAction, data any) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in live query handler", "subID", sub.ID, "panic", r)
		}
	}()
	handler(ctx, action, data)
}

func (s *LiveQueries) cleanupOnCancel(ctx context.Context, dbConn *surrealdb.DB, subID, liveQueryID string) {
	<-ctx.Done()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := dbConn.CloseLiveNotifications(liveQueryID); err != nil {
		s.logger.Debug("Failed to close live notifications", "error", err, "liveQueryID", liveQueryID)
	}

	killParams := map[string]any{"liveQueryID": liveQueryID}
	if _, err := surrealdb.Query[any](cleanupCtx, dbConn, "KILL $liveQueryID", killParams); err != nil {
		s.logger.Debug("Failed to kill live query", "error", err, "liveQueryID", liveQueryID)
		return
	}
	s.logger.Debug("Killed live query", "subID", subID, "liveQueryID", liveQueryID)
}
