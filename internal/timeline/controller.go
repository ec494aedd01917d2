// Package timeline keeps the message history of one open conversation: the
// live tail of recent messages, older pages loaded on demand, and optimistic
// local changes layered on top.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/gateway"
	"github.com/nfrund/chatsync/internal/metrics"
	"github.com/nfrund/chatsync/internal/retry"
)

// State is the lifecycle state of a Controller.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateLoadingMore
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateLoadingMore:
		return "loading_more"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrBackfillInFlight is returned by LoadOlder while a page is loading.
	ErrBackfillInFlight = errors.New("older page already loading")
	// ErrNotReady is returned by LoadOlder before the first live window arrived.
	ErrNotReady = errors.New("timeline not ready")
	// ErrAlreadyOpen is returned by a second Open.
	ErrAlreadyOpen = errors.New("timeline already open")

	errStale = errors.New("subscription superseded")
)

// Snapshot is an immutable view of a timeline.
type Snapshot struct {
	ConversationID string
	State          State
	Messages       []domain.Message
	HasMore        bool
	Cursor         *domain.Cursor
	// Err is the last live subscription failure, cleared by the next window.
	Err error
	// BackfillErr is the last LoadOlder failure, cleared by the next success.
	BackfillErr error
	// Prepended counts messages inserted ahead of the previous first message by
	// the change that produced this snapshot, for scroll position keeping.
	Prepended int
	// Version increases with every change. Listeners may be called
	// concurrently and should drop snapshots older than one already seen.
	Version uint64
}

// Controller drives the timeline of a single conversation.
type Controller struct {
	gw       gateway.Messages
	convID   string
	pageSize int
	tailSize int
	self     string
	retryer  retry.Retryer
	logger   *slog.Logger

	mu          sync.Mutex
	listeners   []func(Snapshot)
	state       State
	buf         *Buffer
	cursor      *domain.Cursor
	hasMore     bool
	initialized bool
	backfilling bool
	tailErr     error
	backfillErr error
	prepended   int
	version     uint64
	closed      bool

	ctx        context.Context
	cancel     context.CancelFunc
	sub        gateway.Subscription
	gen        uint64
	loopCancel context.CancelFunc
	loopID     uint64

	// fillGen is the subscription generation whose windows wait in queued
	// while missed messages load; zero when no fill runs.
	fillGen uint64
	queued  [][]domain.Message

	notifyMu sync.Mutex
	notified uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithPageSize sets the number of messages per older page.
func WithPageSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithTailSize sets the size of the live window.
func WithTailSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.tailSize = n
		}
	}
}

// WithSelf sets the local user, whose echoes reconcile pending sends.
func WithSelf(userID string) Option {
	return func(c *Controller) { c.self = userID }
}

// WithRetryer sets the backoff used to restore the live subscription.
func WithRetryer(r retry.Retryer) Option {
	return func(c *Controller) { c.retryer = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController creates an idle controller for conversationID.
func NewController(gw gateway.Messages, conversationID string, opts ...Option) *Controller {
	c := &Controller{
		gw:       gw,
		convID:   conversationID,
		pageSize: 30,
		tailSize: 30,
		retryer:  retry.NewBackoff(retry.WithMaxRetries(8), retry.WithMaxDelay(10*time.Second)),
		buf:      NewBuffer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "timeline")
	}
	c.logger = c.logger.With("conversation_id", conversationID)
	return c
}

// ConversationID returns the conversation this controller follows.
func (c *Controller) ConversationID() string {
	return c.convID
}

// OnChange registers fn to receive every new snapshot.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Snapshot returns the current view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Open subscribes to the live tail. Subscription failures do not fail Open:
// they are reported through snapshots and retried in the background.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrClosed
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.state = StateLoading
	snap := c.changedLocked()
	runCtx := c.ctx
	c.mu.Unlock()
	c.publish(snap)

	metrics.OpenConversations.Inc()
	if err := c.subscribe(runCtx); err != nil && !errors.Is(err, errStale) {
		c.tailFailed(err)
	}
	return nil
}

// Retry restarts the live subscription of a failed timeline, or of a timeline
// whose background resubscription gave up. It is a no-op while a
// subscription is live or being restored.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrClosed
	}
	stalled := c.sub == nil && c.tailErr != nil && c.loopCancel == nil && c.fillGen == 0
	if c.state != StateFailed && !stalled {
		c.mu.Unlock()
		return nil
	}
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	if c.state == StateFailed {
		c.state = StateLoading
	}
	snap := c.changedLocked()
	c.mu.Unlock()
	c.publish(snap)

	err := c.subscribe(ctx)
	if err == nil || errors.Is(err, errStale) {
		return nil
	}

	c.mu.Lock()
	if !c.closed {
		c.tailErr = err
		if c.state == StateLoading {
			c.state = StateFailed
		}
	}
	snap = c.changedLocked()
	c.mu.Unlock()
	c.publish(snap)
	return err
}

// LoadOlder fetches the page preceding the oldest held message.
func (c *Controller) LoadOlder(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return domain.ErrClosed
	case c.backfilling:
		c.mu.Unlock()
		return ErrBackfillInFlight
	case c.state != StateReady:
		c.mu.Unlock()
		return ErrNotReady
	case !c.hasMore:
		c.mu.Unlock()
		return domain.ErrExhaustedPagination
	}
	c.backfilling = true
	c.state = StateLoadingMore
	cursor := c.cursor
	snap := c.changedLocked()
	runCtx := c.ctx
	c.mu.Unlock()
	c.publish(snap)

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	start := time.Now()
	page, err := c.gw.FetchPage(fetchCtx, c.convID, c.pageSize, cursor)
	metrics.BackfillDuration.Observe(time.Since(start).Seconds())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrClosed
	}
	c.backfilling = false
	if c.state == StateLoadingMore {
		c.state = StateReady
	}
	if err != nil {
		c.backfillErr = err
		snap = c.changedLocked()
		c.mu.Unlock()
		c.publish(snap)
		metrics.BackfillsTotal.WithLabelValues("error").Inc()
		c.logger.WarnContext(ctx, "Failed to load older messages", "error", err)
		return err
	}

	c.backfillErr = nil
	added := c.buf.Prepend(page.Messages)
	if len(page.Messages) > 0 {
		oldest := page.Messages[0]
		if c.cursor == nil || oldest.Key().Less(c.cursor.Key()) {
			c.cursor = domain.CursorOf(oldest)
		}
	}
	c.hasMore = page.HasMore && len(page.Messages) >= c.pageSize
	c.version++
	c.prepended = added
	snap = c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)

	metrics.BackfillsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Close stops the live subscription. Results of calls still in flight are
// discarded. Close is idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasOpen := c.state != StateIdle
	c.closed = true
	c.state = StateClosed
	c.gen++
	sub := c.sub
	c.sub = nil
	cancel := c.cancel
	loopCancel := c.loopCancel
	c.loopCancel = nil
	c.mu.Unlock()

	if loopCancel != nil {
		loopCancel()
	}
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	if wasOpen {
		metrics.OpenConversations.Dec()
	}
}

// subscribe starts a live subscription under a fresh generation. Callbacks of
// older generations are ignored from then on.
func (c *Controller) subscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrClosed
	}
	c.gen++
	gen := c.gen
	old := c.sub
	c.sub = nil
	c.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}

	sub, err := c.gw.SubscribeTail(ctx, c.convID, c.tailSize,
		func(msgs []domain.Message) { c.onWindow(gen, msgs) },
		func(err error) { c.onTailError(gen, err) })
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		sub.Unsubscribe()
		if c.isClosed() {
			return domain.ErrClosed
		}
		return errStale
	}
	c.sub = sub
	c.mu.Unlock()
	return nil
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) onWindow(gen uint64, msgs []domain.Message) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.fillGen == gen {
		c.queued = append(c.queued, msgs)
		c.mu.Unlock()
		return
	}
	if c.gapLocked(msgs) {
		c.fillGen = gen
		c.queued = [][]domain.Message{msgs}
		ctx := c.ctx
		c.mu.Unlock()
		go c.fillGap(ctx, gen)
		return
	}

	snap, ok := c.applyWindowLocked(msgs)
	c.mu.Unlock()
	if ok {
		metrics.TailUpdatesTotal.Inc()
		c.publish(snap)
	}
}

// applyWindowLocked merges a live window and reports whether the change
// needs publishing.
func (c *Controller) applyWindowLocked(msgs []domain.Message) (Snapshot, bool) {
	changed := c.buf.MergeTail(msgs, c.self)
	stateChanged := false
	if c.state == StateLoading || c.state == StateFailed {
		c.state = StateReady
		stateChanged = true
	}
	recovered := c.tailErr != nil
	c.tailErr = nil

	if !c.initialized {
		c.initialized = true
		c.hasMore = len(msgs) >= c.tailSize
		stateChanged = true
	}
	if c.cursor == nil {
		if oldest, ok := c.buf.OldestConfirmed(); ok {
			c.cursor = domain.CursorOf(oldest)
		}
	}

	if !changed && !stateChanged && !recovered {
		return Snapshot{}, false
	}
	return c.changedLocked(), true
}

func (c *Controller) onTailError(gen uint64, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.tailFailed(err)
}

// tailFailed drops the current subscription and restores it with backoff,
// keeping the buffer.
func (c *Controller) tailFailed(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	sub := c.sub
	c.sub = nil
	c.tailErr = err
	if c.buf.ConfirmedLen() == 0 && c.state != StateLoadingMore {
		c.state = StateFailed
	}
	snap := c.changedLocked()

	// A loop still running here has just restored the subscription that
	// failed, so it is replaced.
	prev := c.loopCancel
	loopCtx, cancel := context.WithCancel(c.ctx)
	c.loopCancel = cancel
	c.loopID++
	loopID := c.loopID
	c.mu.Unlock()

	if prev != nil {
		prev()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	c.logger.Warn("Live subscription failed", "error", err)
	c.publish(snap)

	go c.resubscribe(loopCtx, loopID)
}

func (c *Controller) resubscribe(ctx context.Context, loopID uint64) {
	err := c.retryer.Retry(ctx, func() error {
		if err := c.subscribe(ctx); !errors.Is(err, errStale) {
			return err
		}
		return nil
	})

	c.mu.Lock()
	if c.loopID == loopID {
		c.loopCancel = nil
	}
	if c.closed || c.loopID != loopID || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	if err == nil {
		c.mu.Unlock()
		metrics.ResubscribesTotal.WithLabelValues("tail", "ok").Inc()
		return
	}
	c.tailErr = err
	if c.buf.ConfirmedLen() == 0 {
		c.state = StateFailed
	}
	snap := c.changedLocked()
	c.mu.Unlock()

	metrics.ResubscribesTotal.WithLabelValues("tail", "failed").Inc()
	c.logger.Error("Giving up on live subscription", "error", err)
	c.publish(snap)
}

// changedLocked bumps the version and returns the new snapshot.
func (c *Controller) changedLocked() Snapshot {
	c.version++
	c.prepended = 0
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	var cursor *domain.Cursor
	if c.cursor != nil {
		cur := *c.cursor
		cursor = &cur
	}
	return Snapshot{
		ConversationID: c.convID,
		State:          c.state,
		Messages:       c.buf.Messages(),
		HasMore:        c.hasMore,
		Cursor:         cursor,
		Err:            c.tailErr,
		BackfillErr:    c.backfillErr,
		Prepended:      c.prepended,
		Version:        c.version,
	}
}

func (c *Controller) publish(snap Snapshot) {
	c.notifyMu.Lock()
	if snap.Version <= c.notified {
		c.notifyMu.Unlock()
		return
	}
	c.notified = snap.Version
	c.notifyMu.Unlock()

	c.mu.Lock()
	listeners := append([]func(Snapshot){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}
