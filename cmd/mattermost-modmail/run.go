// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/mattermost-modmail/pkg/adminapi"
	"github.com/aiku/mattermost-modmail/pkg/config"
	"github.com/aiku/mattermost-modmail/pkg/connector"
	"github.com/aiku/mattermost-modmail/pkg/database"
	"github.com/aiku/mattermost-modmail/pkg/modmail"
	"github.com/aiku/mattermost-modmail/pkg/slackconnector"
)

// relayPlatform is what the command needs from a platform binding on top of
// modmail.Platform.
type relayPlatform interface {
	modmail.Platform
	Login(ctx context.Context) error
	Connect(ctx context.Context, sink modmail.EventSink) error
	Disconnect()
	SetEndpointHook(fn func(modmail.Endpoint))
	HandleReloadEndpoints(w http.ResponseWriter, r *http.Request)
}

var (
	_ relayPlatform = (*connector.Connector)(nil)
	_ relayPlatform = (*slackconnector.Connector)(nil)
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay (default)",
	Args:  cobra.NoArgs,
	RunE:  runRelay,
}

var exampleConfigCmd = &cobra.Command{
	Use:   "example-config",
	Short: "Print the example config with every option and its default",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprint(cmd.OutOrStdout(), config.ExampleConfig)
	},
}

func newPlatform(cfg *config.Config, log zerolog.Logger) relayPlatform {
	if cfg.Platform == config.PlatformSlack {
		return slackconnector.New(cfg.Slack, log.With().Str("platform", "slack").Logger())
	}
	return connector.New(cfg.Mattermost, log.With().Str("platform", "mattermost").Logger())
}

func runRelay(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logPtr, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	log := *logPtr
	zerolog.DefaultContextLogger = &log
	log.Info().Str("version", Tag).Str("commit", Commit).Str("platform", cfg.Platform).Msg("Starting modmail relay")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	db, err := database.Open(ctx, cfg.Database.Type, cfg.Database.URI, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}()

	platform := newPlatform(cfg, log)
	if err = platform.Login(ctx); err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}

	engine := modmail.NewEngine(platform, db.Conversation, cfg.Relay, log)
	platform.SetEndpointHook(func(ep modmail.Endpoint) {
		engine.Pool().Add(ep)
	})
	if err = engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start endpoint pool: %w", err)
	}

	// Queued events finish after a shutdown signal instead of being cut off.
	dispatcher := modmail.NewDispatcher(context.WithoutCancel(ctx), engine, log)
	if err = platform.Connect(ctx, dispatcher); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if cfg.AdminAPI.Addr != "" {
		server := adminapi.New(cfg.AdminAPI.Addr, cfg.AdminAPI.Token, engine.Registry(), engine.Pool(), platform.HandleReloadEndpoints, log)
		group.Go(func() error {
			return server.Run(groupCtx)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info().Msg("Shutting down")
		platform.Disconnect()
		dispatcher.Close()
		return nil
	})

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Relay stopped")
	return nil
}
