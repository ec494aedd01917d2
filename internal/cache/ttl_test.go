package cache

import (
	"context"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLExpires(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	c := NewTTL[string, string](time.Minute, clk)

	c.Set("alice", "Alice")
	v, ok := c.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "Alice", v)

	clk.Advance(59 * time.Second)
	_, ok = c.Get("alice")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = c.Get("alice")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestGetOrLoad(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	c := NewTTL[string, string](time.Minute, clk)

	calls := 0
	load := func(_ context.Context, key string) (string, error) {
		calls++
		if key == "ghost" {
			return "", assert.AnError
		}
		return "name-" + key, nil
	}

	for range 3 {
		v, err := c.GetOrLoad(context.Background(), "bob", load)
		require.NoError(t, err)
		assert.Equal(t, "name-bob", v)
	}
	assert.Equal(t, 1, calls)

	_, err := c.GetOrLoad(context.Background(), "ghost", load)
	assert.ErrorIs(t, err, assert.AnError)
	_, err = c.GetOrLoad(context.Background(), "ghost", load)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 3, calls)

	c.Purge()
	assert.Equal(t, 0, c.Len())
}
