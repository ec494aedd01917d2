package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nfrund/chatsync/internal/database"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("noop", true, nil))

	notFound := fmt.Errorf("edit: %w", domain.ErrNotFound)
	assert.Same(t, notFound, classify("mutate", true, notFound))

	transient := classify("fetch page", false, database.NewDBError(database.ErrNotConnected, "down"))
	assert.True(t, domain.IsTransient(transient))

	var we *domain.WriteError
	assert.True(t, errors.As(classify("append", true, assert.AnError), &we))
	assert.Equal(t, "append", we.Op)

	read := classify("fetch page", false, assert.AnError)
	assert.ErrorIs(t, read, assert.AnError)
	assert.False(t, errors.As(read, &we))
}
