// Package cache holds small in-process caches owned by a chat session.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/clock"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// TTL is a map whose entries expire a fixed duration after they were set.
// Expired entries are dropped lazily on access.
type TTL[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   clock.Clock
	entries map[K]entry[V]
}

// NewTTL creates a cache. A nil clock uses wall time.
func NewTTL[K comparable, V any](ttl time.Duration, clk clock.Clock) *TTL[K, V] {
	if clk == nil {
		clk = clock.Real()
	}
	return &TTL[K, V]{
		ttl:     ttl,
		clock:   clk,
		entries: make(map[K]entry[V]),
	}
}

// Get returns the live value for key.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.clock.Now().Before(e.expires) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for one TTL.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expires: c.clock.Now().Add(c.ttl)}
}

// GetOrLoad returns the cached value or calls load and caches its result.
// Load errors are not cached. load runs without the lock held, so concurrent
// misses for one key may each call it.
func (c *TTL[K, V]) GetOrLoad(ctx context.Context, key K, load func(context.Context, K) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx, key)
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

// Purge drops every entry.
func (c *TTL[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len reports the number of stored entries, expired ones included.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
