package gateway

import (
	"errors"

	"github.com/nfrund/chatsync/internal/database"
	"github.com/nfrund/chatsync/internal/domain"
)

// classify maps store failures onto the domain error taxonomy. Domain errors
// pass through; connection failures become transient; any other failure of a
// write becomes a WriteError.
func classify(op string, write bool, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrForbidden),
		errors.Is(err, domain.ErrTransient):
		return err
	case database.IsConnectionError(err):
		return &domain.TransientError{Op: op, Err: err}
	case write:
		return &domain.WriteError{Op: op, Err: err}
	}
	return database.WrapError(err, op)
}
