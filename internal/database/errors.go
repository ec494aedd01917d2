package database

import (
	"errors"
	"fmt"
)

// Errors reported by the connection and query helpers. Check them with errors.Is.
var (
	// ErrNotConnected is returned when no healthy connection is available.
	ErrNotConnected = errors.New("database not connected")

	// ErrQueryFailed is returned when a statement reports a non-OK status.
	ErrQueryFailed = errors.New("query execution failed")

	// ErrInvalidID is returned for record IDs that are not "table:key".
	ErrInvalidID = errors.New("invalid ID format")

	// ErrLiveQueryClosed is passed to a live subscription's close callback when
	// the server side ended the stream.
	ErrLiveQueryClosed = errors.New("live query closed")
)

// DBError represents a database error with additional context.
type DBError struct {
	err     error
	context string
	query   string
	params  map[string]any
}

// NewDBError creates a new DBError with the given error and context.
// The context should describe what operation was being performed.
func NewDBError(err error, context string) *DBError {
	return &DBError{
		err:     err,
		context: context,
	}
}

// WithQuery adds query information to the error.
func (e *DBError) WithQuery(query string) *DBError {
	e.query = query
	return e
}

// WithParams adds query parameters to the error.
func (e *DBError) WithParams(params map[string]any) *DBError {
	e.params = params
	return e
}

// Error returns the error message.
func (e *DBError) Error() string {
	msg := e.context
	if e.query != "" {
		msg = fmt.Sprintf("%s\nQuery: %s", msg, e.query)
	}
	if len(e.params) > 0 {
		msg = fmt.Sprintf("%s\nParams: %+v", msg, e.params)
	}
	if e.err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *DBError) Unwrap() error {
	return e.err
}

// WrapError wraps an error with additional context. An existing DBError keeps
// its query and params and gains the new context as a prefix.
func WrapError(err error, context string) error {
	if err == nil {
		return nil
	}
	var dbErr *DBError
	if errors.As(err, &dbErr) {
		if dbErr.context != "" {
			context = fmt.Sprintf("%s: %s", context, dbErr.context)
		}
		return &DBError{err: dbErr.err, context: context, query: dbErr.query, params: dbErr.params}
	}
	return NewDBError(err, context)
}
