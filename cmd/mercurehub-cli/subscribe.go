package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/mercurehub/pkg/httpclient"
)

func newSubscribeCommand() *cobra.Command {
	var (
		config httpclient.StreamConfig
		count  int
	)

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Stream updates in real-time",
		Long: `Stream updates matching the given topic selectors (URIs or URI templates).
Dropped connections are resumed from the last received event.
Press Ctrl+C to stop streaming.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSubscribe(ctx, cmd.OutOrStdout(), config, count)
		},
	}

	cmd.Flags().StringArrayVar(&config.Topics, "topic", nil, "Topic selector (repeatable, required)")
	cmd.Flags().StringVar(&config.LastEventID, "last-event-id", "", "Resume after this event id")
	cmd.Flags().IntVar(&config.BufferSize, "buffer-size", 100, "Event buffer size")
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many events (0 = never)")
	if err := cmd.MarkFlagRequired("topic"); err != nil {
		panic(fmt.Sprintf("Failed to mark topic as required: %v", err))
	}

	return cmd
}

func runSubscribe(ctx context.Context, out io.Writer, config httpclient.StreamConfig, count int) error {
	stream, err := client.Stream(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to start streaming: %w", err)
	}
	defer stream.Close()

	received := 0
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-stream.Events():
			if !ok {
				return nil
			}
			printEvent(out, event)
			received++
			if count > 0 && received >= count {
				return nil
			}

		case err, ok := <-stream.Errors():
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "# %v\n", err)
		}
	}
}

// printEvent writes the event back in SSE form
func printEvent(out io.Writer, event httpclient.Event) {
	fmt.Fprintf(out, "id: %s\n", event.ID)
	if event.Type != "" {
		fmt.Fprintf(out, "event: %s\n", event.Type)
	}
	fmt.Fprintf(out, "data: %s\n\n", event.Data)
}
