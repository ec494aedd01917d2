// Package session ties the sync components together for one signed-in user:
// the conversation list, the open conversation and the profile cache.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/cache"
	"github.com/nfrund/chatsync/internal/clock"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/gateway"
	"github.com/nfrund/chatsync/internal/inbox"
	"github.com/nfrund/chatsync/internal/logging"
	"github.com/nfrund/chatsync/internal/mutation"
	"github.com/nfrund/chatsync/internal/retry"
	"github.com/nfrund/chatsync/internal/timeline"
	"github.com/nfrund/chatsync/internal/typing"
)

// Options configures a Session.
type Options struct {
	UserID string
	// DisplayName is resolved through the profile store when empty.
	DisplayName    string
	BroadcastRooms []string
	PageSize       int
	TailSize       int
	TypingWindow   time.Duration
	ProfileTTL     time.Duration

	Clock           clock.Clock
	Retryer         retry.Retryer
	TypingTransport typing.Transport
	OnNotice        func(mutation.Notice)
	Logger          *slog.Logger
}

// Session is the entry point of the engine for one user.
type Session struct {
	backend  gateway.Backend
	opts     Options
	logger   *slog.Logger
	list     *inbox.List
	profiles *cache.TTL[string, string]

	selectMu sync.Mutex

	mu      sync.Mutex
	current *Conversation
	name    string
	closed  bool
}

// New creates a session for opts.UserID.
func New(backend gateway.Backend, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.TypingWindow <= 0 {
		opts.TypingWindow = typing.DefaultWindow
	}
	if opts.ProfileTTL <= 0 {
		opts.ProfileTTL = 10 * time.Minute
	}
	if opts.TypingTransport == nil {
		opts.TypingTransport = typing.NewGatewayTransport(backend)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("session")
	}
	logger = logger.With("user_id", opts.UserID)

	listOpts := []inbox.Option{
		inbox.WithBroadcastRooms(opts.BroadcastRooms...),
		inbox.WithLogger(logger.With("component", "inbox")),
	}
	if opts.Retryer != nil {
		listOpts = append(listOpts, inbox.WithRetryer(opts.Retryer))
	}

	return &Session{
		backend:  backend,
		opts:     opts,
		logger:   logger,
		list:     inbox.New(backend, opts.UserID, listOpts...),
		profiles: cache.NewTTL[string, string](opts.ProfileTTL, opts.Clock),
		name:     opts.DisplayName,
	}
}

// Start resolves the user's display name and starts the conversation list.
func (s *Session) Start(ctx context.Context) error {
	if s.name == "" {
		name, err := s.DisplayName(ctx, s.opts.UserID)
		if err != nil {
			s.logger.WarnContext(ctx, "Failed to resolve own display name", "error", err)
			name = s.opts.UserID
		}
		s.mu.Lock()
		s.name = name
		s.mu.Unlock()
	}
	return s.list.Start(ctx)
}

// List returns the live conversation list.
func (s *Session) List() *inbox.List {
	return s.list
}

// Current returns the open conversation, or nil.
func (s *Session) Current() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Select opens conversationID. The previously open conversation is fully
// closed first, so none of its results reach the new one.
func (s *Session) Select(ctx context.Context, conversationID string) (*Conversation, error) {
	s.selectMu.Lock()
	defer s.selectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrClosed
	}
	prev := s.current
	s.current = nil
	name := s.name
	s.mu.Unlock()

	if prev != nil {
		if prev.ID() == conversationID {
			s.mu.Lock()
			s.current = prev
			s.mu.Unlock()
			return prev, nil
		}
		prev.close()
		s.logger.DebugContext(ctx, "Closed conversation", "conversation_id", prev.ID())
	}

	conv := s.open(conversationID, name)
	if err := conv.start(ctx); err != nil {
		conv.close()
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conv.close()
		return nil, domain.ErrClosed
	}
	s.current = conv
	s.mu.Unlock()

	if err := s.backend.MarkRead(ctx, conversationID, s.opts.UserID); err != nil {
		s.logger.WarnContext(ctx, "Failed to reset unread counter", "conversation_id", conversationID, "error", err)
	}
	return conv, nil
}

func (s *Session) open(conversationID, name string) *Conversation {
	logger := s.logger.With("conversation_id", conversationID)

	tlOpts := []timeline.Option{
		timeline.WithSelf(s.opts.UserID),
		timeline.WithLogger(logger.With("component", "timeline")),
	}
	if s.opts.PageSize > 0 {
		tlOpts = append(tlOpts, timeline.WithPageSize(s.opts.PageSize))
	}
	if s.opts.TailSize > 0 {
		tlOpts = append(tlOpts, timeline.WithTailSize(s.opts.TailSize))
	}
	if s.opts.Retryer != nil {
		tlOpts = append(tlOpts, timeline.WithRetryer(s.opts.Retryer))
	}
	tl := timeline.NewController(s.backend, conversationID, tlOpts...)

	mutOpts := []mutation.Option{
		mutation.WithClock(s.opts.Clock),
		mutation.WithLogger(logger.With("component", "mutation")),
	}
	if s.opts.OnNotice != nil {
		mutOpts = append(mutOpts, mutation.WithNoticeHandler(s.opts.OnNotice))
	}

	typingOpts := []typing.Option{
		typing.WithWindow(s.opts.TypingWindow),
		typing.WithClock(s.opts.Clock),
		typing.WithLogger(logger.With("component", "typing")),
	}

	return &Conversation{
		id:        conversationID,
		timeline:  tl,
		mutations: mutation.New(s.backend, tl, s.opts.UserID, name, mutOpts...),
		sender:    typing.NewSender(s.opts.TypingTransport, conversationID, s.opts.UserID, name, typingOpts...),
		receiver:  typing.NewReceiver(s.opts.TypingTransport, conversationID, s.opts.UserID, typingOpts...),
		logger:    logger,
	}
}

// DisplayName resolves a user's display name through the profile cache.
// Unknown users are shown by their ID.
func (s *Session) DisplayName(ctx context.Context, userID string) (string, error) {
	return s.profiles.GetOrLoad(ctx, userID, func(ctx context.Context, id string) (string, error) {
		name, err := s.backend.DisplayName(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return id, nil
		}
		return name, err
	})
}

// Close closes the open conversation and the list, and empties the cache.
func (s *Session) Close() {
	s.selectMu.Lock()
	defer s.selectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cur := s.current
	s.current = nil
	s.mu.Unlock()

	if cur != nil {
		cur.close()
	}
	s.list.Close()
	s.profiles.Purge()
}
