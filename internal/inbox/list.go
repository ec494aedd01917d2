// Package inbox keeps a user's conversation list live and ordered by recent
// activity.
package inbox

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/gateway"
	"github.com/nfrund/chatsync/internal/metrics"
	"github.com/nfrund/chatsync/internal/retry"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("conversation list already started")

var errStale = errors.New("subscription superseded")

// Snapshot is an immutable view of the list.
type Snapshot struct {
	Conversations []domain.Conversation
	// Err is the last subscription error; the list is kept while it is set.
	Err     error
	Version uint64
}

// List mirrors the conversations a user belongs to.
type List struct {
	gw      gateway.Conversations
	userID  string
	rooms   []string
	retryer retry.Retryer
	logger  *slog.Logger

	mu        sync.Mutex
	convs     []domain.Conversation
	err       error
	version   uint64
	listeners []func(Snapshot)
	started   bool
	closed    bool

	ctx     context.Context
	cancel  context.CancelFunc
	sub     gateway.Subscription
	gen     uint64
	looping bool

	notifyMu sync.Mutex
	notified uint64
}

// Option configures a List.
type Option func(*List)

// WithBroadcastRooms sets rooms every user is joined to on Start.
func WithBroadcastRooms(rooms ...string) Option {
	return func(l *List) { l.rooms = slices.Clone(rooms) }
}

// WithRetryer sets the backoff used to restore the subscription.
func WithRetryer(r retry.Retryer) Option {
	return func(l *List) { l.retryer = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *List) { l.logger = logger }
}

// New creates a list for userID.
func New(gw gateway.Conversations, userID string, opts ...Option) *List {
	l := &List{
		gw:      gw,
		userID:  userID,
		retryer: retry.NewBackoff(retry.WithMaxRetries(-1), retry.WithMaxDelay(30*time.Second)),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default().With("component", "inbox")
	}
	l.logger = l.logger.With("user_id", userID)
	return l
}

// Start joins the broadcast rooms and subscribes to the list. Join failures
// are logged; subscription failures are retried in the background and
// reported through snapshots.
func (l *List) Start(ctx context.Context) error {
	l.mu.Lock()
	switch {
	case l.closed:
		l.mu.Unlock()
		return domain.ErrClosed
	case l.started:
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.started = true
	l.ctx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))
	runCtx := l.ctx
	l.mu.Unlock()

	for _, room := range l.rooms {
		if err := l.gw.EnsureMember(ctx, room, l.userID); err != nil {
			l.logger.WarnContext(ctx, "Failed to join broadcast room", "conversation_id", room, "error", err)
		}
	}

	err := l.subscribe(runCtx)
	if err != nil && !errors.Is(err, domain.ErrClosed) && !errors.Is(err, errStale) {
		l.failed(err)
	}
	return nil
}

// Conversations returns the current ordered list.
func (l *List) Conversations() []domain.Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneConversations(l.convs)
}

// Get returns one conversation of the list.
func (l *List) Get(id string) (domain.Conversation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := slices.IndexFunc(l.convs, func(c domain.Conversation) bool { return c.ID == id })
	if i < 0 {
		return domain.Conversation{}, false
	}
	return cloneConversation(l.convs[i]), true
}

// TotalUnread sums the user's unread counters.
func (l *List) TotalUnread() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.convs {
		n += c.UnreadFor(l.userID)
	}
	return n
}

// Snapshot returns the current view.
func (l *List) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// OnChange registers fn to receive every new snapshot.
func (l *List) OnChange(fn func(Snapshot)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Close stops the subscription. Later updates are discarded.
func (l *List) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.gen++
	if l.cancel != nil {
		l.cancel()
	}
	sub := l.sub
	l.sub = nil
	l.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (l *List) subscribe(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return domain.ErrClosed
	}
	l.gen++
	gen := l.gen
	old := l.sub
	l.sub = nil
	l.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}

	sub, err := l.gw.SubscribeConversations(ctx, l.userID,
		func(convs []domain.Conversation) { l.onUpdate(gen, convs) },
		func(err error) { l.onError(gen, err) })
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed || l.gen != gen {
		closed := l.closed
		l.mu.Unlock()
		sub.Unsubscribe()
		if closed {
			return domain.ErrClosed
		}
		return errStale
	}
	l.sub = sub
	l.mu.Unlock()
	return nil
}

func (l *List) onUpdate(gen uint64, convs []domain.Conversation) {
	visible := make([]domain.Conversation, 0, len(convs))
	for _, c := range convs {
		if !c.Archived {
			visible = append(visible, cloneConversation(c))
		}
	}
	SortByActivity(visible)

	l.mu.Lock()
	if l.closed || gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.convs = visible
	l.err = nil
	snap := l.changedLocked()
	l.mu.Unlock()

	metrics.ListUpdatesTotal.Inc()
	l.publish(snap)
}

func (l *List) onError(gen uint64, err error) {
	l.mu.Lock()
	if l.closed || gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.failed(err)
}

// failed keeps the last list and restores the subscription with backoff.
func (l *List) failed(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.gen++
	sub := l.sub
	l.sub = nil
	l.err = err
	snap := l.changedLocked()
	startLoop := !l.looping
	l.looping = true
	ctx := l.ctx
	l.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	l.logger.Warn("Conversation list subscription failed", "error", err, "retrying", startLoop)
	l.publish(snap)

	if startLoop {
		go l.resubscribe(ctx)
	}
}

func (l *List) resubscribe(ctx context.Context) {
	err := l.retryer.Retry(ctx, func() error {
		err := l.subscribe(ctx)
		if errors.Is(err, domain.ErrClosed) {
			return nil
		}
		return err
	})

	l.mu.Lock()
	l.looping = false
	if l.closed || ctx.Err() != nil {
		l.mu.Unlock()
		return
	}
	if err == nil {
		// A failure reported while the loop was finishing found it running.
		restart := l.sub == nil && l.err != nil
		l.looping = restart
		l.mu.Unlock()
		metrics.ResubscribesTotal.WithLabelValues("conversations", "ok").Inc()
		if restart {
			go l.resubscribe(ctx)
		}
		return
	}
	l.err = err
	snap := l.changedLocked()
	l.mu.Unlock()

	metrics.ResubscribesTotal.WithLabelValues("conversations", "failed").Inc()
	l.logger.Error("Giving up on conversation list subscription", "error", err)
	l.publish(snap)
}

func (l *List) changedLocked() Snapshot {
	l.version++
	return l.snapshotLocked()
}

func (l *List) snapshotLocked() Snapshot {
	return Snapshot{
		Conversations: cloneConversations(l.convs),
		Err:           l.err,
		Version:       l.version,
	}
}

func (l *List) publish(snap Snapshot) {
	l.notifyMu.Lock()
	if snap.Version <= l.notified {
		l.notifyMu.Unlock()
		return
	}
	l.notified = snap.Version
	l.notifyMu.Unlock()

	l.mu.Lock()
	listeners := slices.Clone(l.listeners)
	l.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// SortByActivity orders conversations by last activity, newest first, with
// the ID breaking ties.
func SortByActivity(convs []domain.Conversation) {
	slices.SortStableFunc(convs, func(a, b domain.Conversation) int {
		return cmp.Or(cmp.Compare(b.ActivityAt(), a.ActivityAt()), cmp.Compare(a.ID, b.ID))
	})
}

func cloneConversations(convs []domain.Conversation) []domain.Conversation {
	out := make([]domain.Conversation, len(convs))
	for i, c := range convs {
		out[i] = cloneConversation(c)
	}
	return out
}

func cloneConversation(c domain.Conversation) domain.Conversation {
	c.Members = slices.Clone(c.Members)
	if c.LastMessage != nil {
		p := *c.LastMessage
		c.LastMessage = &p
	}
	if c.Unread != nil {
		u := make(map[string]int, len(c.Unread))
		for k, v := range c.Unread {
			u[k] = v
		}
		c.Unread = u
	}
	return c
}
