// Package mutation applies the local user's sends, edits and reactions
// optimistically and reconciles them with the backend.
package mutation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nfrund/chatsync/internal/clock"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/gateway"
	"github.com/nfrund/chatsync/internal/metrics"
)

// Timeline is the view the layer writes optimistic state into.
type Timeline interface {
	ConversationID() string
	Message(id string) (domain.Message, bool)
	InsertPending(m domain.Message) error
	ConfirmPending(tempID string, msg domain.Message) error
	FailPending(tempID string, err error) error
	ResendPending(tempID string) (domain.Message, error)
	ApplyPatch(messageID string, patch domain.Patch) (uint64, error)
	SettlePatch(messageID string, token uint64, result domain.Message) error
	RevertPatch(messageID string, token uint64) error
}

// NoticeKind classifies a user-facing notice.
type NoticeKind string

const (
	NoticeSendFailed   NoticeKind = "send_failed"
	NoticeMessageGone  NoticeKind = "message_gone"
	NoticeForbidden    NoticeKind = "forbidden"
	NoticeUpdateFailed NoticeKind = "update_failed"
)

// Notice reports a rejected optimistic change.
type Notice struct {
	Kind           NoticeKind
	ConversationID string
	MessageID      string
	Err            error
}

// Layer performs optimistic mutations for one user in one conversation.
type Layer struct {
	gw       gateway.Messages
	tl       Timeline
	userID   string
	name     string
	clock    clock.Clock
	newID    func() string
	onNotice func(Notice)
	logger   *slog.Logger
}

// Option configures a Layer.
type Option func(*Layer)

// WithClock sets the clock used to stamp pending messages.
func WithClock(c clock.Clock) Option {
	return func(l *Layer) { l.clock = c }
}

// WithIDGenerator sets the temporary ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(l *Layer) { l.newID = fn }
}

// WithNoticeHandler sets the receiver of user-facing notices.
func WithNoticeHandler(fn func(Notice)) Option {
	return func(l *Layer) { l.onNotice = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Layer) { l.logger = logger }
}

// New creates a layer writing into tl on behalf of userID.
func New(gw gateway.Messages, tl Timeline, userID, displayName string, opts ...Option) *Layer {
	l := &Layer{
		gw:     gw,
		tl:     tl,
		userID: userID,
		name:   displayName,
		clock:  clock.Real(),
		newID:  func() string { return "tmp-" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default().With("component", "mutation")
	}
	l.logger = l.logger.With("conversation_id", tl.ConversationID())
	return l
}

// Send shows the message immediately and appends it. On failure the message
// stays in place marked failed, and can be resent with Retry.
func (l *Layer) Send(ctx context.Context, body domain.Body, kind domain.MessageKind) (domain.Message, error) {
	if kind == "" {
		kind = domain.KindText
	}
	draft := domain.Draft{
		ConversationID: l.tl.ConversationID(),
		SenderID:       l.userID,
		SenderName:     l.name,
		Text:           body.Text,
		Attachment:     body.Attachment,
		Kind:           kind,
	}
	if err := draft.Validate(); err != nil {
		return domain.Message{}, err
	}

	tempID := l.newID()
	draft.Nonce = tempID
	pending := domain.Message{
		TempID:         tempID,
		Nonce:          tempID,
		ConversationID: draft.ConversationID,
		SenderID:       l.userID,
		SenderName:     l.name,
		Body:           body,
		Kind:           kind,
		CreatedAt:      domain.TimestampOf(l.clock.Now()),
		Status:         domain.StatusSending,
	}
	if err := l.tl.InsertPending(pending); err != nil {
		return domain.Message{}, err
	}
	return l.deliver(ctx, tempID, draft)
}

// Retry resends a failed message under its original temporary ID.
func (l *Layer) Retry(ctx context.Context, tempID string) (domain.Message, error) {
	m, err := l.tl.ResendPending(tempID)
	if err != nil {
		return domain.Message{}, err
	}
	return l.deliver(ctx, tempID, domain.DraftOf(m))
}

func (l *Layer) deliver(ctx context.Context, tempID string, draft domain.Draft) (domain.Message, error) {
	msg, err := l.gw.Append(ctx, draft)
	if err != nil {
		werr := asWriteError("send", err)
		if ferr := l.tl.FailPending(tempID, werr); ferr != nil && !errors.Is(ferr, domain.ErrClosed) {
			l.logger.WarnContext(ctx, "Failed to mark message as failed", "temp_id", tempID, "error", ferr)
		}
		metrics.OptimisticFailuresTotal.WithLabelValues("send").Inc()
		l.logger.WarnContext(ctx, "Message send rejected", "temp_id", tempID, "error", err)
		l.notify(Notice{Kind: NoticeSendFailed, MessageID: tempID, Err: werr})
		return domain.Message{}, werr
	}

	if err := l.tl.ConfirmPending(tempID, msg); err != nil && !errors.Is(err, domain.ErrClosed) {
		l.logger.WarnContext(ctx, "Failed to reconcile sent message", "temp_id", tempID, "message_id", msg.ID, "error", err)
	}
	msg.TempID = tempID
	return msg, nil
}

// Edit replaces the text of one of the user's own messages.
func (l *Layer) Edit(ctx context.Context, messageID, text string) (domain.Message, error) {
	m, err := l.target(messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if m.SenderID != l.userID {
		return domain.Message{}, domain.ErrForbidden
	}
	return l.patch(ctx, m.ID, domain.EditPatch(l.userID, text))
}

// React adds the user's emoji reaction.
func (l *Layer) React(ctx context.Context, messageID, emoji string) (domain.Message, error) {
	m, err := l.target(messageID)
	if err != nil {
		return domain.Message{}, err
	}
	return l.patch(ctx, m.ID, domain.ReactPatch(l.userID, emoji))
}

// Unreact removes the user's emoji reaction.
func (l *Layer) Unreact(ctx context.Context, messageID, emoji string) (domain.Message, error) {
	m, err := l.target(messageID)
	if err != nil {
		return domain.Message{}, err
	}
	return l.patch(ctx, m.ID, domain.UnreactPatch(l.userID, emoji))
}

func (l *Layer) target(id string) (domain.Message, error) {
	m, ok := l.tl.Message(id)
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	if m.Pending() {
		return domain.Message{}, domain.ErrPending
	}
	return m, nil
}

func (l *Layer) patch(ctx context.Context, messageID string, p domain.Patch) (domain.Message, error) {
	if err := p.Validate(); err != nil {
		return domain.Message{}, err
	}
	token, err := l.tl.ApplyPatch(messageID, p)
	if err != nil {
		return domain.Message{}, err
	}

	result, err := l.gw.Mutate(ctx, l.tl.ConversationID(), messageID, p)
	if err != nil {
		if rerr := l.tl.RevertPatch(messageID, token); rerr != nil && !errors.Is(rerr, domain.ErrClosed) {
			l.logger.WarnContext(ctx, "Failed to revert patch", "message_id", messageID, "error", rerr)
		}
		metrics.OptimisticFailuresTotal.WithLabelValues(string(p.Kind)).Inc()

		notice := Notice{Kind: NoticeUpdateFailed, MessageID: messageID, Err: err}
		switch {
		case errors.Is(err, domain.ErrNotFound):
			notice.Kind = NoticeMessageGone
		case errors.Is(err, domain.ErrForbidden):
			notice.Kind = NoticeForbidden
		default:
			err = asWriteError(string(p.Kind), err)
			notice.Err = err
		}
		l.logger.WarnContext(ctx, "Message update rejected", "message_id", messageID, "patch", p.Kind, "error", err)
		l.notify(notice)
		return domain.Message{}, err
	}

	if err := l.tl.SettlePatch(messageID, token, result); err != nil && !errors.Is(err, domain.ErrClosed) {
		l.logger.WarnContext(ctx, "Failed to settle patch", "message_id", messageID, "error", err)
	}
	return result, nil
}

func (l *Layer) notify(n Notice) {
	n.ConversationID = l.tl.ConversationID()
	if l.onNotice != nil {
		l.onNotice(n)
	}
}

func asWriteError(op string, err error) error {
	var we *domain.WriteError
	if errors.As(err, &we) {
		return err
	}
	return &domain.WriteError{Op: op, Err: err}
}
