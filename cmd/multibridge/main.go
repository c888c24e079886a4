// Copyright 2024-2026 Aiku AI

// Command multibridge relays chat messages between Telegram, Discord, and
// Fluxer channels. Each configured bridge is a group of channels that
// mirror each other's messages, edits, and deletions, impersonating the
// original sender where the target platform's webhooks allow it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/multibridge/pkg/bridge"
	"github.com/aiku/multibridge/pkg/config"
	"github.com/aiku/multibridge/pkg/discord"
	"github.com/aiku/multibridge/pkg/donations"
	"github.com/aiku/multibridge/pkg/fluxer"
	"github.com/aiku/multibridge/pkg/state"
	"github.com/aiku/multibridge/pkg/telegram"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownGrace = 10 * time.Second

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "multibridge",
		Short:         "Multi-platform chat message bridge",
		Version:       fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "bridge.yaml", "path to the config file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start bridging with the given config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			cmd.Printf("%s: config OK\n", configPath)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := cfg.CompileLogger()
	if err != nil {
		return err
	}
	log.Info().Str("tag", Tag).Str("commit", Commit).Str("built", BuildTime).Msg("Starting multibridge")

	store, err := state.Open(cfg.State.Path, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close state store")
		}
	}()

	mapping, err := bridge.NewMapping(cfg.BridgeDefs())
	if err != nil {
		return err
	}
	router := bridge.NewRouter(bridge.RouterConfig{
		Log:             log,
		Mapping:         mapping,
		Links:           store,
		Filter:          cfg.BuildBlocklist(),
		Retry:           cfg.RetryPolicy(),
		Workers:         cfg.Router.Workers,
		QueueSize:       cfg.Router.QueueSize,
		SendTimeout:     cfg.Router.SendTimeout.Std(),
		IdentityMaxIdle: cfg.Router.IdentityMaxIdle.Std(),
	})

	var adapters []bridge.Adapter
	var tg *telegram.Adapter
	if cfg.Telegram.Enabled {
		tg = telegram.NewAdapter(telegram.Config{
			Token:             cfg.Telegram.Token,
			AvatarURLTemplate: cfg.Telegram.AvatarURLTemplate,
			ExtraBotIDs:       cfg.Telegram.ExtraBotIDs,
			MaxMediaBytes:     cfg.Telegram.MaxMediaBytes,
			UpdateTimeout:     cfg.Telegram.UpdateTimeout,
		}, router, log)
		adapters = append(adapters, tg)
	}
	if cfg.Discord.Enabled {
		adapters = append(adapters, discord.NewAdapter(discord.Config{
			Token:         cfg.Discord.Token,
			ExtraBotIDs:   cfg.Discord.ExtraBotIDs,
			MaxMediaBytes: cfg.Discord.MaxMediaBytes,
		}, router, log))
	}
	if cfg.Fluxer.Enabled {
		adapters = append(adapters, fluxer.NewAdapter(fluxer.Config{
			BaseURL:       cfg.Fluxer.BaseURL,
			Token:         cfg.Fluxer.Token,
			ExtraBotIDs:   cfg.Fluxer.ExtraBotIDs,
			MaxMediaBytes: cfg.Fluxer.MaxMediaBytes,
		}, router, log))
	}
	for _, ad := range adapters {
		router.RegisterAdapter(ad)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router.Start()
	for _, ad := range adapters {
		if err := ad.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s adapter: %w", ad.Platform(), err)
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	if cfg.Telegram.Enabled && cfg.Telegram.Archive.BaseURL != "" {
		poller := telegram.NewArchivePoller(telegram.ArchiveConfig{
			BaseURL:           cfg.Telegram.Archive.BaseURL,
			AvatarURLTemplate: cfg.Telegram.AvatarURLTemplate,
			BotIDs:            tg.BotIdentities(),
			Interval:          cfg.Telegram.Archive.Interval.Std(),
			PageLimit:         cfg.Telegram.Archive.PageLimit,
		}, mapping.Endpoints(telegram.PlatformID), store, router, log)
		group.Go(func() error { return poller.Run(gctx) })
	}
	donationPoller := donations.NewPoller(donations.Config{
		Endpoint: cfg.Donations.Endpoint,
		Bridge:   cfg.Donations.Bridge,
		Interval: cfg.Donations.Interval.Std(),
	}, router, log)
	if donationPoller.Enabled() {
		group.Go(func() error { return donationPoller.Run(gctx) })
	}

	<-gctx.Done()
	log.Info().Msg("Shutting down")

	// Receive streams first, so nothing new enters the queues, then drain
	// the router within the grace window.
	for _, ad := range adapters {
		ad.Stop()
	}
	router.Stop(shutdownGrace)

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
