package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

var (
	userID         string
	displayName    string
	conversationID string
	typingBus      bool
)

var errNoUser = errors.New("--user is required")

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Real-time conversation sync client",
	Long: `chatsync keeps a local view of a user's conversations in sync with
a SurrealDB backend: the conversation list, a live message timeline,
typing indicators and optimistic sends.

Connection settings come from the environment or a .env file
(SURREAL_URL, SURREAL_NS, SURREAL_DB, SURREAL_USER, SURREAL_PASS).

Use "chatsync [command] --help" for more information about a command.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "user ID to sync as")
	rootCmd.PersistentFlags().StringVar(&displayName, "name", "", "display name (looked up when empty)")
	rootCmd.PersistentFlags().StringVarP(&conversationID, "conversation", "c", "", "conversation ID")
	rootCmd.PersistentFlags().BoolVar(&typingBus, "typing-bus", false, "route typing signals over the in-process bus instead of the backend")
}

func requireUser() error {
	if userID == "" {
		return errNoUser
	}
	return nil
}
