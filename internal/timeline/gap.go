package timeline

import (
	"context"
	"slices"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/metrics"
)

// gapLocked reports whether msgs, a full newest window, may be separated from
// the held history by messages that were never delivered. This happens when
// more than a window's worth arrived while the subscription was down.
func (c *Controller) gapLocked(msgs []domain.Message) bool {
	if len(msgs) == 0 || len(msgs) < c.tailSize || c.buf.ConfirmedLen() == 0 {
		return false
	}
	first := msgs[0]
	if c.buf.Holds(first.ID) {
		return false
	}
	oldest, _ := c.buf.OldestConfirmed()
	return oldest.Key().Less(first.Key())
}

// fillGap loads the messages between the held history and the queued windows
// of generation gen, then merges the windows. Windows that arrive meanwhile are
// queued behind the first one.
func (c *Controller) fillGap(ctx context.Context, gen uint64) {
	for {
		c.mu.Lock()
		if c.fillStaleLocked(gen) {
			c.mu.Unlock()
			return
		}
		before := domain.CursorOf(c.queued[0][0])
		c.mu.Unlock()

		missed, err := c.fetchMissed(ctx, before)

		c.mu.Lock()
		if c.fillStaleLocked(gen) {
			c.mu.Unlock()
			return
		}
		if err != nil {
			c.fillGen = 0
			c.queued = nil
			c.mu.Unlock()
			metrics.GapFillsTotal.WithLabelValues("error").Inc()
			c.logger.Warn("Failed to load messages missed by the live subscription", "error", err)
			c.tailFailed(err)
			return
		}

		added := c.buf.Prepend(missed)
		if oldest, ok := c.buf.OldestConfirmed(); ok && (c.cursor == nil || oldest.Key().Less(c.cursor.Key())) {
			c.cursor = domain.CursorOf(oldest)
		}
		queued := c.queued
		c.queued = nil
		for i, w := range queued {
			if c.gapLocked(w) {
				c.queued = queued[i:]
				break
			}
			c.applyWindowLocked(w)
		}
		done := len(c.queued) == 0
		if done {
			c.fillGen = 0
		}
		c.version++
		c.prepended = added
		snap := c.snapshotLocked()
		c.mu.Unlock()

		metrics.GapFillsTotal.WithLabelValues("ok").Inc()
		metrics.TailUpdatesTotal.Inc()
		c.publish(snap)
		if done {
			return
		}
	}
}

// fillStaleLocked reports whether the fill of gen was superseded, clearing
// its state if it still owns it.
func (c *Controller) fillStaleLocked(gen uint64) bool {
	if !c.closed && c.fillGen == gen && c.gen == gen {
		return false
	}
	if c.fillGen == gen {
		c.fillGen = 0
		c.queued = nil
	}
	return true
}

// fetchMissed pages backwards from before until it reaches a held message or
// the start of the conversation. The result is oldest first.
func (c *Controller) fetchMissed(ctx context.Context, before *domain.Cursor) ([]domain.Message, error) {
	var missed []domain.Message
	for {
		page, err := c.gw.FetchPage(ctx, c.convID, c.pageSize, before)
		if err != nil {
			return nil, err
		}
		missed = append(slices.Clone(page.Messages), missed...)
		if len(page.Messages) == 0 || !page.HasMore || c.holdsAny(page.Messages) {
			return missed, nil
		}
		before = domain.CursorOf(page.Messages[0])
	}
}

func (c *Controller) holdsAny(msgs []domain.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.ContainsFunc(msgs, func(m domain.Message) bool { return c.buf.Holds(m.ID) })
}
