package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zulandar/forge/internal/db"
	"github.com/zulandar/forge/internal/generate"
	"github.com/zulandar/forge/internal/notify"
	"github.com/zulandar/forge/internal/pool"
	"github.com/zulandar/forge/internal/server"
	"github.com/zulandar/forge/internal/storage"
	"github.com/zulandar/forge/internal/train"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		Long: `Starts the Forge API server: connects to the database, migrates the
schema, and serves character training and generation endpoints. Background
jobs keep the worker pool fresh and sweep stalled generations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "forge.yaml", "path to Forge config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	registry := pool.New(pool.Opts{
		APIKey:          cfg.RunPod.APIKey,
		EndpointID:      cfg.RunPod.EndpointID,
		FallbackURL:     cfg.Comfy.URL,
		RefreshInterval: time.Duration(cfg.Comfy.RefreshSeconds) * time.Second,
	})

	notifier, err := notify.FromConfig(cfg.Notify)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	orchestrator := generate.New(generate.Opts{
		DB:           gormDB,
		Pool:         registry,
		Store:        store,
		Notifier:     notifier,
		Logger:       &log,
		ImageTimeout: time.Duration(cfg.Comfy.ImageTimeoutS) * time.Second,
		VideoTimeout: time.Duration(cfg.Comfy.VideoTimeoutS) * time.Second,
	})

	trainer := train.New(train.Opts{
		DB:       gormDB,
		Store:    store,
		Notifier: notifier,
		Logger:   &log,
		Config:   cfg.Training,
	})
	if err := trainer.CheckDependencies(); err != nil {
		log.Warn().Err(err).Msg("training script unavailable, character creation will fail at training time")
	}

	// Background maintenance: keep the pool snapshot fresh and sweep
	// generations stranded in processing by a crashed run.
	refreshErrs := registry.RefreshLoop(ctx, time.Duration(cfg.Comfy.RefreshSeconds)*time.Second)
	go func() {
		for err := range refreshErrs {
			log.Warn().Err(err).Msg("pool refresh failed")
		}
	}()

	c := cron.New()
	c.AddFunc("@every 10m", func() {
		n, err := generate.FailStale(gormDB, generate.DefaultStaleThreshold)
		if err != nil {
			log.Warn().Err(err).Msg("stale sweep failed")
			return
		}
		if n > 0 {
			log.Info().Int64("count", n).Msg("failed stale generations")
		}
	})
	c.Start()
	defer c.Stop()

	return server.Start(ctx, server.Opts{
		DB:           gormDB,
		Pool:         registry,
		Orchestrator: orchestrator,
		Trainer:      trainer,
		Port:         cfg.Server.Port,
		Logger:       &log,
	})
}
