package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/spf13/cobra"
)

var pages int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the recent history of a conversation",
	Long: `Print the live tail of a conversation followed by up to --pages
older pages, oldest first.`,
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

		for range pages {
			err := conv.LoadOlder(ctx)
			if errors.Is(err, domain.ErrExhaustedPagination) {
				break
			}
			if err != nil {
				return err
			}
		}

		snap := conv.Timeline().Snapshot()
		out := cmd.OutOrStdout()
		for _, m := range snap.Messages {
			fmt.Fprintln(out, formatMessage(m))
		}
		if !snap.HasMore {
			fmt.Fprintln(out, "-- beginning of conversation --")
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&pages, "pages", "p", 1, "number of older pages to load")
	rootCmd.AddCommand(historyCmd)
}
