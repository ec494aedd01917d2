package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/clock"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/metrics"
)

// DefaultWindow is how long a typing signal stays valid without a refresh.
const DefaultWindow = 5 * time.Second

const queueSize = 16

// Option configures a Sender or Receiver.
type Option func(*options)

type options struct {
	window time.Duration
	clock  clock.Clock
	logger *slog.Logger
}

// WithWindow sets the typing window.
func WithWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.window = d
		}
	}
}

// WithClock sets the clock driving the window timers.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{window: DefaultWindow, clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "typing")
	}
	return o
}

type outgoing struct {
	ctx context.Context
	rec domain.TypingRecord
}

// Sender broadcasts the local user's typing state for one conversation.
// Broadcasts run on a background worker and are dropped, never queued
// without bound, when the transport falls behind.
type Sender struct {
	transport      Transport
	conversationID string
	userID         string
	displayName    string
	opts           options

	mu        sync.Mutex
	typing    bool
	closed    bool
	expiry    clock.Timer
	heartbeat clock.Timer
	keystroke uint64
	epoch     uint64
	base      context.Context

	queue chan outgoing
	done  chan struct{}
}

// NewSender starts a sender for userID in conversationID.
func NewSender(t Transport, conversationID, userID, displayName string, opts ...Option) *Sender {
	s := &Sender{
		transport:      t,
		conversationID: conversationID,
		userID:         userID,
		displayName:    displayName,
		opts:           buildOptions(opts),
		base:           context.Background(),
		queue:          make(chan outgoing, queueSize),
		done:           make(chan struct{}),
	}
	s.opts.logger = s.opts.logger.With("conversation_id", conversationID)
	go s.run()
	return s
}

// Keystroke marks the user as typing. The first keystroke after idle
// broadcasts at once; later ones only extend the window.
func (s *Sender) Keystroke(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.base = context.WithoutCancel(ctx)

	if !s.typing {
		s.typing = true
		s.enqueueLocked(s.base, true)
		s.scheduleRefreshLocked()
	}
	s.keystroke++
	k := s.keystroke
	s.expiry = s.rearm(s.expiry, s.opts.window, func() { s.expire(k) })
}

// MessageSent ends the typing state immediately.
func (s *Sender) MessageSent(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stopLocked(context.WithoutCancel(ctx))
}

// Typing reports whether the user is currently considered typing.
func (s *Sender) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

// Close broadcasts a final stop if needed and waits for queued broadcasts.
func (s *Sender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stopLocked(s.base)
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
}

func (s *Sender) rearm(t clock.Timer, d time.Duration, fn func()) clock.Timer {
	if t != nil {
		t.Stop()
	}
	return s.opts.clock.AfterFunc(d, fn)
}

func (s *Sender) scheduleRefreshLocked() {
	epoch := s.epoch
	s.heartbeat = s.rearm(s.heartbeat, s.opts.window/2, func() { s.refresh(epoch) })
}

// refresh re-broadcasts an ongoing typing state so receivers do not purge it.
func (s *Sender) refresh(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.typing || epoch != s.epoch {
		return
	}
	s.enqueueLocked(s.base, true)
	s.scheduleRefreshLocked()
}

func (s *Sender) expire(keystroke uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || keystroke != s.keystroke {
		return
	}
	s.stopLocked(s.base)
}

func (s *Sender) stopLocked(ctx context.Context) {
	for _, t := range []clock.Timer{s.expiry, s.heartbeat} {
		if t != nil {
			t.Stop()
		}
	}
	s.expiry, s.heartbeat = nil, nil
	s.epoch++
	if s.typing {
		s.typing = false
		s.enqueueLocked(ctx, false)
	}
}

func (s *Sender) enqueueLocked(ctx context.Context, active bool) {
	rec := domain.TypingRecord{
		ConversationID: s.conversationID,
		UserID:         s.userID,
		DisplayName:    s.displayName,
		At:             domain.TimestampOf(s.opts.clock.Now()),
		Active:         active,
	}
	select {
	case s.queue <- outgoing{ctx: ctx, rec: rec}:
	default:
		metrics.TypingDropsTotal.WithLabelValues("queue_full").Inc()
		s.opts.logger.Debug("Typing broadcast dropped", "active", active)
	}
}

func (s *Sender) run() {
	defer close(s.done)
	for out := range s.queue {
		ctx, cancel := context.WithTimeout(out.ctx, s.opts.window)
		err := s.transport.Publish(ctx, out.rec)
		cancel()
		if err != nil {
			metrics.TypingDropsTotal.WithLabelValues("publish_error").Inc()
			s.opts.logger.Warn("Typing broadcast failed", "active", out.rec.Active, "error", err)
		}
	}
}
