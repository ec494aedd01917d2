package cmd

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/inbox"
	"github.com/nfrund/chatsync/internal/mutation"
	"github.com/nfrund/chatsync/internal/server"
	"github.com/nfrund/chatsync/internal/session"
	"github.com/samber/do/v2"
	"github.com/spf13/cobra"
)

var metricsAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the conversation list or a conversation live",
	Long: `Without --conversation, watch prints the conversation list every time
it changes. With --conversation, it follows that conversation and reads
commands from stdin:

  <text>                    send a message
  /typing                   signal that you are typing
  /older                    load the previous page
  /edit <id> <text>         edit one of your messages
  /react <id> <emoji>       add a reaction
  /unreact <id> <emoji>     remove a reaction
  /retry <temp-id>          resend a failed message
  /open <conversation>      switch conversation`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /health and /metrics on this address (defaults to METRICS_ADDR)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	p := newPrinter(out)
	notices = func(n mutation.Notice) {
		fmt.Fprintf(out, "! %s on %s: %v\n", n.Kind, n.MessageID, n.Err)
	}

	i := newContainer(ctx)
	defer i.Shutdown()

	s, err := startSession(ctx, i)
	if err != nil {
		return err
	}

	cfg := do.MustInvoke[*config.Config](i)
	if addr := cmp.Or(metricsAddr, cfg.MetricsAddr); addr != "" {
		db := do.MustInvoke[store](i)
		srv := server.New(db.Connection, s.List())
		srv.RegisterRoutes()
		go func() {
			if err := srv.Start(ctx, addr); err != nil {
				fmt.Fprintf(out, "! metrics server: %v\n", err)
			}
		}()
	}

	if conversationID == "" {
		s.List().OnChange(func(snap inbox.Snapshot) {
			if snap.Err != nil {
				fmt.Fprintf(out, "! conversation list interrupted: %v\n", snap.Err)
				return
			}
			fmt.Fprintf(out, "-- %d conversations, %d unread --\n", len(snap.Conversations), s.List().TotalUnread())
			p.conversations(snap.Conversations)
		})
		p.conversations(s.List().Conversations())
		<-ctx.Done()
		return nil
	}

	conv, err := open(ctx, s, conversationID, p)
	if err != nil {
		return err
	}

	lines := make(chan string)
	go scan(cmd.InOrStdin(), lines)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			next, err := handleLine(ctx, s, conv, p, line)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			conv = next
		}
	}
}

func open(ctx context.Context, s *session.Session, id string, p *printer) (*session.Conversation, error) {
	conv, err := s.Select(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Timeline().OnChange(p.snapshot)
	conv.Typing().OnChange(p.typists)
	p.snapshot(conv.Timeline().Snapshot())
	return conv, nil
}

func scan(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines <- line
		}
	}
}

var errNoConversation = errors.New("no open conversation, use /open <conversation>")

// handleLine runs one stdin command and returns the conversation to continue
// with, nil when none is open.
func handleLine(ctx context.Context, s *session.Session, conv *session.Conversation, p *printer, line string) (*session.Conversation, error) {
	if conv == nil && !strings.HasPrefix(line, "/open") {
		return nil, errNoConversation
	}
	if !strings.HasPrefix(line, "/") {
		_, err := conv.Send(ctx, line)
		return conv, err
	}

	fields := strings.Fields(line)
	need := func(n int) error {
		if len(fields) < n {
			return fmt.Errorf("usage: %s", strings.Join(fields, " "))
		}
		return nil
	}

	switch fields[0] {
	case "/typing":
		conv.Keystroke(ctx)
		return conv, nil
	case "/older":
		err := conv.LoadOlder(ctx)
		if errors.Is(err, domain.ErrExhaustedPagination) {
			fmt.Fprintln(p.w, "-- beginning of conversation --")
			return conv, nil
		}
		return conv, err
	case "/edit":
		if err := need(3); err != nil {
			return conv, err
		}
		_, err := conv.Mutations().Edit(ctx, fields[1], strings.Join(fields[2:], " "))
		return conv, err
	case "/react":
		if err := need(3); err != nil {
			return conv, err
		}
		_, err := conv.Mutations().React(ctx, fields[1], fields[2])
		return conv, err
	case "/unreact":
		if err := need(3); err != nil {
			return conv, err
		}
		_, err := conv.Mutations().Unreact(ctx, fields[1], fields[2])
		return conv, err
	case "/retry":
		if err := need(2); err != nil {
			return conv, err
		}
		_, err := conv.Mutations().Retry(ctx, fields[1])
		return conv, err
	case "/open":
		if err := need(2); err != nil {
			return conv, err
		}
		// Select closes the previous conversation even when opening the
		// next one fails.
		return open(ctx, s, fields[1], newPrinter(p.w))
	}
	return conv, fmt.Errorf("unknown command %s", fields[0])
}
