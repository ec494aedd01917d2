package typing

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/nfrund/chatsync/internal/clock"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/gateway"
	"github.com/nfrund/chatsync/internal/metrics"
)

type typist struct {
	rec   domain.TypingRecord
	timer clock.Timer
	gen   uint64
}

// Receiver tracks who else is typing in one conversation. A typist is
// dropped on an explicit stop or once the window passes without a refresh.
type Receiver struct {
	transport      Transport
	conversationID string
	self           string
	opts           options

	mu        sync.Mutex
	typists   map[string]*typist
	gen       uint64
	listeners []func([]domain.TypingRecord)
	sub       gateway.Subscription
	closed    bool
}

// NewReceiver creates a receiver for conversationID that ignores self.
func NewReceiver(t Transport, conversationID, self string, opts ...Option) *Receiver {
	r := &Receiver{
		transport:      t,
		conversationID: conversationID,
		self:           self,
		opts:           buildOptions(opts),
		typists:        make(map[string]*typist),
	}
	r.opts.logger = r.opts.logger.With("conversation_id", conversationID)
	return r
}

// OnChange registers fn to receive the typist list whenever it changes.
func (r *Receiver) OnChange(fn func([]domain.TypingRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Start subscribes to the conversation's typing records.
func (r *Receiver) Start(ctx context.Context) error {
	sub, err := r.transport.Subscribe(ctx, r.conversationID, r.handle)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.Unsubscribe()
		return domain.ErrClosed
	}
	r.sub = sub
	r.mu.Unlock()
	return nil
}

// Typists returns the users currently typing, oldest signal first.
func (r *Receiver) Typists() []domain.TypingRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

// Close stops the subscription and every expiry timer.
func (r *Receiver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, t := range r.typists {
		t.timer.Stop()
	}
	clear(r.typists)
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (r *Receiver) handle(rec domain.TypingRecord) {
	if rec.ConversationID != r.conversationID || rec.UserID == "" || rec.UserID == r.self {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	cur, ok := r.typists[rec.UserID]
	if ok && rec.At.Before(cur.rec.At) {
		r.mu.Unlock()
		metrics.TypingDropsTotal.WithLabelValues("stale").Inc()
		return
	}

	switch {
	case !rec.Active && !ok:
		r.mu.Unlock()
		return
	case !rec.Active:
		cur.timer.Stop()
		delete(r.typists, rec.UserID)
	case ok:
		cur.timer.Stop()
		cur.rec = rec
		r.armLocked(cur)
	default:
		t := &typist{rec: rec}
		r.typists[rec.UserID] = t
		r.armLocked(t)
	}
	list, listeners := r.listLocked(), slices.Clone(r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(list)
	}
}

func (r *Receiver) armLocked(t *typist) {
	r.gen++
	gen := r.gen
	t.gen = gen
	user := t.rec.UserID
	t.timer = r.opts.clock.AfterFunc(r.opts.window, func() { r.expire(user, gen) })
}

func (r *Receiver) expire(user string, gen uint64) {
	r.mu.Lock()
	t, ok := r.typists[user]
	if r.closed || !ok || t.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.typists, user)
	r.opts.logger.Debug("Typing signal expired", "user_id", user)
	list, listeners := r.listLocked(), slices.Clone(r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(list)
	}
}

func (r *Receiver) listLocked() []domain.TypingRecord {
	out := make([]domain.TypingRecord, 0, len(r.typists))
	for _, t := range r.typists {
		out = append(out, t.rec)
	}
	slices.SortFunc(out, func(a, b domain.TypingRecord) int {
		return cmp.Or(cmp.Compare(a.At, b.At), cmp.Compare(a.UserID, b.UserID))
	})
	return out
}
