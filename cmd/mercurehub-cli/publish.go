package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/mercurehub/pkg/httpclient"
)

func newPublishCommand() *cobra.Command {
	var req httpclient.PublishRequest

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an update",
		Long: `Publish an update to one or more topics. Without --target the update is public.
Requires a publisher token.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			id, err := client.Publish(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&req.Topics, "topic", nil, "Topic of the update (repeatable, required)")
	cmd.Flags().StringVar(&req.Data, "data", "", "Update payload (required)")
	cmd.Flags().StringArrayVar(&req.Targets, "target", nil, "Target allowed to receive the update (repeatable)")
	cmd.Flags().StringVar(&req.ID, "id", "", "Update id proposed to the hub")
	cmd.Flags().StringVar(&req.Type, "type", "", "SSE event type")
	cmd.Flags().IntVar(&req.Retry, "retry", 0, "Reconnection delay hint in milliseconds")
	for _, name := range []string{"topic", "data"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("Failed to mark %s as required: %v", name, err))
		}
	}

	return cmd
}
