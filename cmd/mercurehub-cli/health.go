package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/mercurehub/pkg/httpclient"
)

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check hub health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			health, err := client.Health(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if health.Healthy {
				fmt.Fprintln(out, "Hub is healthy")
			} else {
				fmt.Fprintln(out, "Hub is not healthy")
			}
			stats := health.Stats
			fmt.Fprintf(out, "Instance: %s (%s)\n", stats.InstanceID, stats.State)
			fmt.Fprintf(out, "Shared store: %t\n", stats.SharedStore)
			fmt.Fprintf(out, "Subscribers: %d\n", stats.Subscribers)
			fmt.Fprintf(out, "Peers: %d\n", stats.Peers)
			fmt.Fprintf(out, "Published: %d, broadcast: %d, delivered: %d\n", stats.Published, stats.Broadcast, stats.Delivered)
			return nil
		},
	}
}

func newSubscribersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribers",
		Short: "List subscribers across the cluster",
		Long:  `List subscribers across the cluster. Requires a publisher token granting "*" and a hub with a shared store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			resp, err := client.Subscribers(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d subscriber(s)\n", resp.Total)
			for _, s := range resp.Subscribers {
				printSubscriber(out, s)
			}
			return nil
		},
	}
}

func printSubscriber(out io.Writer, s httpclient.Subscriber) {
	access := "public only"
	switch {
	case s.All:
		access = "all targets"
	case len(s.Authorized) > 0:
		access = strings.Join(s.Authorized, ", ")
	}
	fmt.Fprintf(out, "%s  %s  topics=[%s]  access=%s\n", s.ID, s.Address, strings.Join(s.Topics, " "), access)
}
