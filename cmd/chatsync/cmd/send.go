package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/spf13/cobra"
)

var attachment string

var sendCmd = &cobra.Command{
	Use:   "send [text]",
	Short: "Send a message to a conversation",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if conversationID == "" {
			return errors.New("--conversation is required")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		i := newContainer(ctx)
		defer i.Shutdown()

		s, err := startSession(ctx, i)
		if err != nil {
			return err
		}
		conv, err := s.Select(ctx, conversationID)
		if err != nil {
			return err
		}
		if _, err := waitReady(ctx, conv.Timeline()); err != nil {
			return err
		}

		body := domain.Body{Text: strings.Join(args, " "), Attachment: attachment}
		kind := domain.KindText
		if attachment != "" {
			kind = domain.KindImage
		}
		msg, err := conv.SendBody(ctx, body, kind)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", msg.ID)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&attachment, "attachment", "", "attachment reference to send as an image message")
	rootCmd.AddCommand(sendCmd)
}
