package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

// Query executes a raw SurrealQL query with parameters and returns the rows of
// the first statement, unmarshalled into T.
//
// Example:
//
//	query := "SELECT * FROM message WHERE conversation = $conversation"
//	rows, err := Query[messageRecord](ctx, db, query, map[string]any{"conversation": "general"})
func Query[T any](ctx context.Context, db *surrealdb.DB, query string, params map[string]any) ([]T, error) {
	queryResults, err := surrealdb.Query[[]T](ctx, db, query, params)
	if err != nil {
		return nil, NewDBError(err, "query execution failed").WithQuery(query)
	}
	if queryResults == nil || len(*queryResults) == 0 {
		return nil, nil
	}
	first := (*queryResults)[0]
	if first.Status != "" && first.Status != "OK" {
		return nil, NewDBError(ErrQueryFailed, fmt.Sprintf("statement status %s", first.Status)).WithQuery(query)
	}
	return first.Result, nil
}

// QueryLast is Query for multi-statement transactions: it returns the rows of
// the final statement, failing if any statement reported an error.
func QueryLast[T any](ctx context.Context, db *surrealdb.DB, query string, params map[string]any) ([]T, error) {
	queryResults, err := surrealdb.Query[[]T](ctx, db, query, params)
	if err != nil {
		return nil, NewDBError(err, "query execution failed").WithQuery(query)
	}
	if queryResults == nil || len(*queryResults) == 0 {
		return nil, nil
	}
	for i, r := range *queryResults {
		if r.Status != "" && r.Status != "OK" {
			return nil, NewDBError(ErrQueryFailed, fmt.Sprintf("statement %d status %s", i, r.Status)).WithQuery(query)
		}
	}
	return (*queryResults)[len(*queryResults)-1].Result, nil
}

// QueryOne executes a query and returns a single result.
// If no results are found, it returns nil, nil.
func QueryOne[T any](ctx context.Context, db *surrealdb.DB, query string, params map[string]any) (*T, error) {
	// CREATE/UPDATE/DELETE statements don't support LIMIT.
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") && !hasLimitClause(query) {
		query += " LIMIT 1"
	}

	results, err := Query[T](ctx, db, query, params)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// Execute runs a query whose rows are not needed (UPSERT, DELETE, ...).
func Execute(ctx context.Context, db *surrealdb.DB, query string, params map[string]any) error {
	queryResults, err := surrealdb.Query[any](ctx, db, query, params)
	if err != nil {
		return NewDBError(err, "query execution failed").WithQuery(query)
	}
	if queryResults == nil {
		return nil
	}
	for i, r := range *queryResults {
		if r.Status != "" && r.Status != "OK" {
			return NewDBError(ErrQueryFailed, fmt.Sprintf("statement %d status %s", i, r.Status)).WithQuery(query)
		}
	}
	return nil
}

// hasLimitClause checks if the query already has a LIMIT clause
func hasLimitClause(query string) bool {
	query = " " + strings.ToUpper(query) + " "
	return strings.Contains(query, " LIMIT ")
}
