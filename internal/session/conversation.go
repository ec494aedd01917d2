package session

import (
	"context"
	"log/slog"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/mutation"
	"github.com/nfrund/chatsync/internal/timeline"
	"github.com/nfrund/chatsync/internal/typing"
)

// Conversation is the open conversation of a session.
type Conversation struct {
	id        string
	timeline  *timeline.Controller
	mutations *mutation.Layer
	sender    *typing.Sender
	receiver  *typing.Receiver
	logger    *slog.Logger
}

// ID returns the conversation ID.
func (c *Conversation) ID() string { return c.id }

// Timeline returns the message timeline.
func (c *Conversation) Timeline() *timeline.Controller { return c.timeline }

// Mutations returns the optimistic mutation layer.
func (c *Conversation) Mutations() *mutation.Layer { return c.mutations }

// Typing returns the tracker of other users typing.
func (c *Conversation) Typing() *typing.Receiver { return c.receiver }

// Send sends a text message and ends the local typing state.
func (c *Conversation) Send(ctx context.Context, text string) (domain.Message, error) {
	c.sender.MessageSent(ctx)
	return c.mutations.Send(ctx, domain.Body{Text: text}, domain.KindText)
}

// SendBody sends a message of any kind and ends the local typing state.
func (c *Conversation) SendBody(ctx context.Context, body domain.Body, kind domain.MessageKind) (domain.Message, error) {
	c.sender.MessageSent(ctx)
	return c.mutations.Send(ctx, body, kind)
}

// Keystroke reports local typing activity.
func (c *Conversation) Keystroke(ctx context.Context) {
	c.sender.Keystroke(ctx)
}

// LoadOlder fetches the next page of history.
func (c *Conversation) LoadOlder(ctx context.Context) error {
	return c.timeline.LoadOlder(ctx)
}

func (c *Conversation) start(ctx context.Context) error {
	if err := c.timeline.Open(ctx); err != nil {
		return err
	}
	if err := c.receiver.Start(ctx); err != nil {
		c.logger.WarnContext(ctx, "Typing indicators unavailable", "error", err)
	}
	return nil
}

func (c *Conversation) close() {
	c.timeline.Close()
	c.sender.Close()
	c.receiver.Close()
}
