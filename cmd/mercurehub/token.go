package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/mercurehub/internal/authz"
	"github.com/rmacdonaldsmith/mercurehub/internal/config"
)

func newTokenCommand(configPath *string) *cobra.Command {
	var (
		role    string
		targets []string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a publisher or subscriber token",
		Long: `Sign a token with the configured keys. Use "*" as a target to grant every target.
Without any target the token only grants public updates.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			authorizer, err := authz.NewAuthorizer(c.Keys(), nil)
			if err != nil {
				return err
			}

			var token string
			switch role {
			case "publish", "publisher":
				token, err = authorizer.GeneratePublishToken(targets)
			case "subscribe", "subscriber":
				token, err = authorizer.GenerateSubscribeToken(targets)
			default:
				return fmt.Errorf("unknown role %q (want publish or subscribe)", role)
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "subscribe", "Token role: publish or subscribe")
	cmd.Flags().StringArrayVar(&targets, "target", nil, "Target granted by the token (repeatable)")

	return cmd
}
