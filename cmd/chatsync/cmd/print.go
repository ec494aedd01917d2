package cmd

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/timeline"
)

// waitReady blocks until the timeline has received its first live window.
func waitReady(ctx context.Context, tl *timeline.Controller) (timeline.Snapshot, error) {
	changed := make(chan struct{}, 1)
	tl.OnChange(func(timeline.Snapshot) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	for {
		snap := tl.Snapshot()
		switch snap.State {
		case timeline.StateReady, timeline.StateLoadingMore:
			return snap, nil
		case timeline.StateClosed:
			return snap, domain.ErrClosed
		case timeline.StateFailed:
			if len(snap.Messages) == 0 && snap.Err != nil {
				return snap, snap.Err
			}
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-changed:
		}
	}
}

func formatMessage(m domain.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", m.CreatedAt.Time().Local().Format("2006-01-02 15:04:05"), m.SenderName)
	if m.SenderName == "" {
		b.WriteString(m.SenderID)
	}
	b.WriteString(": ")
	b.WriteString(m.Body.Text)
	if m.Body.Attachment != "" {
		fmt.Fprintf(&b, " <%s>", m.Body.Attachment)
	}
	if m.EditedAt != nil {
		b.WriteString(" (edited)")
	}
	for _, emoji := range slices.Sorted(maps.Keys(m.Reactions)) {
		fmt.Fprintf(&b, " %s%d", emoji, len(m.Reactions[emoji]))
	}
	switch m.Status {
	case domain.StatusSending:
		b.WriteString(" …")
	case domain.StatusFailed:
		b.WriteString(" (failed)")
	}
	fmt.Fprintf(&b, "  #%s", m.LocalID())
	return b.String()
}

// printer writes each message once, and again whenever it changes.
type printer struct {
	w    io.Writer
	mu   sync.Mutex
	seen map[string]string
	last uint64
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, seen: make(map[string]string)}
}

func (p *printer) snapshot(snap timeline.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if snap.Version <= p.last {
		return
	}
	p.last = snap.Version
	for _, m := range snap.Messages {
		line := formatMessage(m)
		if p.seen[m.LocalID()] == line {
			continue
		}
		p.seen[m.LocalID()] = line
		fmt.Fprintln(p.w, line)
	}
	if snap.Err != nil {
		fmt.Fprintf(p.w, "! live updates interrupted: %v\n", snap.Err)
	}
}

func (p *printer) typists(recs []domain.TypingRecord) {
	if len(recs) == 0 {
		return
	}
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		names = append(names, r.DisplayName)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "~ %s typing\n", strings.Join(names, ", "))
}

func (p *printer) conversations(convs []domain.Conversation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range convs {
		preview := ""
		if c.LastMessage != nil {
			preview = c.LastMessage.Text
		}
		fmt.Fprintf(p.w, "%-24s %-10s unread=%-3d %s\n", c.Title, c.Kind, c.UnreadFor(userID), preview)
	}
}
