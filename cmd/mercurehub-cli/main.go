package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/mercurehub/pkg/httpclient"
)

var (
	// Global flags
	hubURL  string
	token   string
	timeout time.Duration

	// Global client instance
	client *httpclient.Client
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mercurehub-cli",
		Short: "mercurehub command line client",
		Long: `mercurehub-cli publishes updates to a hub and streams updates from it
over Server-Sent Events.`,
		PersistentPreRunE: initializeClient,
		SilenceUsage:      true,
	}

	// Add global flags
	rootCmd.PersistentFlags().StringVar(&hubURL, "hub", "http://localhost:3000/.well-known/mercure", "Hub URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("MERCURE_TOKEN"), "JWT sent as bearer token (default $MERCURE_TOKEN)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// Add subcommands
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newSubscribeCommand())
	rootCmd.AddCommand(newSubscribersCommand())
	rootCmd.AddCommand(newHealthCommand())

	return rootCmd
}

// initializeClient sets up the HTTP client with global configuration
func initializeClient(cmd *cobra.Command, args []string) error {
	var err error
	client, err = httpclient.NewClient(httpclient.Config{
		HubURL:  hubURL,
		Token:   token,
		Timeout: timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}
