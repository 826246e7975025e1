package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/mercurehub/internal/config"
	"github.com/rmacdonaldsmith/mercurehub/internal/healthcheck"
	"github.com/rmacdonaldsmith/mercurehub/internal/httpapi"
	"github.com/rmacdonaldsmith/mercurehub/internal/hub"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub",
		Long: `Run the hub until SIGINT or SIGTERM.
SIGUSR1 triggers the kill switch: the signing keys are replaced with a random
key, which is logged, and every subscriber without full access is disconnected.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(c, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c, logger)
		},
	}
}

// serve runs the hub, its HTTP server and the optional gRPC health server
// until ctx is done, then shuts everything down gracefully
func serve(ctx context.Context, c *config.Config, logger zerolog.Logger) error {
	hubConfig, err := c.HubConfig(logger)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	h, err := hub.New(hubConfig)
	if err != nil {
		return fmt.Errorf("failed to create hub: %w", err)
	}
	if err := h.Start(ctx); err != nil {
		_ = h.Close()
		return fmt.Errorf("failed to start hub: %w", err)
	}

	server, err := httpapi.NewServer(h, c.ServerConfig(logger))
	if err != nil {
		_ = h.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if c.HealthAddr != "" {
		healthServer, err := healthcheck.NewServer(&healthcheck.Config{ListenAddress: c.HealthAddr}, h, logger)
		if err != nil {
			_ = h.Close()
			return err
		}
		if err := healthServer.Start(gctx); err != nil {
			_ = h.Close()
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			return healthServer.Close()
		})
	}

	g.Go(func() error {
		watchKillSwitch(gctx, h, logger)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Ending the hub closes open streams, which lets the HTTP server drain
		return errors.Join(h.End(shutdownCtx, false), server.Stop(shutdownCtx))
	})

	logger.Info().Str("version", appVersion).Str("instance", h.InstanceID()).Msg("hub started")
	return g.Wait()
}

// watchKillSwitch rotates to a random key on every SIGUSR1 until ctx is done
func watchKillSwitch(ctx context.Context, h *hub.Hub, logger zerolog.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			if _, err := h.KillSwitch(ctx); err != nil {
				logger.Error().Err(err).Msg("kill switch failed")
			}
		}
	}
}
