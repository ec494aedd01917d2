package timeline

import (
	"github.com/nfrund/chatsync/internal/domain"
)

// Message looks up a held message by backend or temporary ID.
func (c *Controller) Message(id string) (domain.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Get(id)
}

// InsertPending shows an optimistic send at the end of the timeline.
func (c *Controller) InsertPending(m domain.Message) error {
	return c.mutate(func(b *Buffer) error {
		b.InsertPending(m)
		return nil
	})
}

// ConfirmPending replaces the pending send tempID with its stored form.
func (c *Controller) ConfirmPending(tempID string, msg domain.Message) error {
	return c.mutate(func(b *Buffer) error {
		b.Confirm(tempID, msg)
		return nil
	})
}

// FailPending marks the pending send tempID as failed.
func (c *Controller) FailPending(tempID string, err error) error {
	return c.mutate(func(b *Buffer) error {
		if !b.MarkFailed(tempID, err) {
			return domain.ErrNotFound
		}
		return nil
	})
}

// ResendPending flags a failed send as sending again and returns it.
func (c *Controller) ResendPending(tempID string) (domain.Message, error) {
	var out domain.Message
	err := c.mutate(func(b *Buffer) error {
		m, ok := b.Get(tempID)
		if !ok || m.TempID != tempID || !m.Pending() {
			return domain.ErrNotFound
		}
		if m.Status != domain.StatusFailed {
			return domain.ErrPending
		}
		out, _ = b.MarkSending(tempID)
		return nil
	})
	return out, err
}

// ApplyPatch overlays patch on a confirmed message.
func (c *Controller) ApplyPatch(messageID string, patch domain.Patch) (uint64, error) {
	var token uint64
	err := c.mutate(func(b *Buffer) error {
		m, ok := b.Get(messageID)
		if !ok {
			return domain.ErrNotFound
		}
		if m.Pending() {
			return domain.ErrPending
		}
		token, _ = b.ApplyPatch(m.ID, patch)
		return nil
	})
	return token, err
}

// SettlePatch adopts the backend result of a patch.
func (c *Controller) SettlePatch(messageID string, token uint64, result domain.Message) error {
	return c.mutate(func(b *Buffer) error {
		b.SettlePatch(messageID, token, result)
		return nil
	})
}

// RevertPatch withdraws a patch the backend rejected.
func (c *Controller) RevertPatch(messageID string, token uint64) error {
	return c.mutate(func(b *Buffer) error {
		b.RevertPatch(messageID, token)
		return nil
	})
}

func (c *Controller) mutate(fn func(*Buffer) error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrClosed
	}
	if err := fn(c.buf); err != nil {
		c.mu.Unlock()
		return err
	}
	snap := c.changedLocked()
	c.mu.Unlock()
	c.publish(snap)
	return nil
}
