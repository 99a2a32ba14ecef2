package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zulandar/forge/internal/generate"
	"github.com/zulandar/forge/internal/models"
	"github.com/zulandar/forge/internal/pool"
	"github.com/zulandar/forge/internal/storage"
)

func newGenerateCmd() *cobra.Command {
	var (
		configPath  string
		characterID string
		prompt      string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run a one-shot image generation",
		Long:  "Generates a single image for a ready character and prints the artifact URL. Useful for smoke-testing a worker setup.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd.OutOrStdout(), configPath, characterID, prompt)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "forge.yaml", "path to Forge config file")
	cmd.Flags().StringVar(&characterID, "character", "", "character id (required)")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "prompt (required)")
	cmd.MarkFlagRequired("character")
	cmd.MarkFlagRequired("prompt")
	return cmd
}

func runGenerate(out io.Writer, configPath, characterID, prompt string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	var character models.Character
	if err := gormDB.First(&character, "id = ?", characterID).Error; err != nil {
		return fmt.Errorf("character %s not found", characterID)
	}
	if character.Status != models.CharacterReady || character.LoraPath == "" {
		return fmt.Errorf("character %s is not ready for generation (status: %s)", characterID, character.Status)
	}

	ctx := context.Background()
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	registry := pool.New(pool.Opts{
		APIKey:      cfg.RunPod.APIKey,
		EndpointID:  cfg.RunPod.EndpointID,
		FallbackURL: cfg.Comfy.URL,
	})

	orchestrator := generate.New(generate.Opts{
		DB:           gormDB,
		Pool:         registry,
		Store:        store,
		ImageTimeout: time.Duration(cfg.Comfy.ImageTimeoutS) * time.Second,
	})

	gen := &models.ImageGeneration{
		ID:          uuid.NewString(),
		CharacterID: character.ID,
		Status:      models.GenerationPending,
		Prompt:      prompt,
	}
	if err := gormDB.Create(gen).Error; err != nil {
		return fmt.Errorf("create generation: %w", err)
	}

	fmt.Fprintf(out, "Generating image %s for %s...\n", gen.ID, character.Name)
	if err := orchestrator.GenerateImage(ctx, gen, &character); err != nil {
		return err
	}

	var done models.ImageGeneration
	if err := gormDB.First(&done, "id = ?", gen.ID).Error; err != nil {
		return err
	}
	fmt.Fprintf(out, "Done: %s\n", done.ImageURL)
	return nil
}
