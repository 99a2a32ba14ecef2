package generate

import (
	"context"
	"fmt"

	"github.com/zulandar/forge/internal/models"
	"github.com/zulandar/forge/internal/notify"
	"github.com/zulandar/forge/internal/workflow"
)

// imageParams maps a persisted record onto workflow parameters.
func imageParams(gen *models.ImageGeneration) workflow.ImageParams {
	p := workflow.ImageParams{
		Prompt:         gen.Prompt,
		NegativePrompt: gen.NegativePrompt,
		Width:          gen.Width,
		Height:         gen.Height,
		Steps:          gen.Steps,
		GuidanceScale:  gen.GuidanceScale,
		LoraStrength:   gen.LoraStrength,
		Seed:           gen.Seed,
	}
	p.ApplyDefaults()
	return p
}

// GenerateImage runs one image job to its terminal state. Any failure is
// recorded on the generation before the error is returned, so the record
// reflects the outcome even if the detached caller only logs the error.
func (o *Orchestrator) GenerateImage(ctx context.Context, gen *models.ImageGeneration, character *models.Character) error {
	if err := o.generateImage(ctx, gen, character); err != nil {
		if markErr := o.markImage(gen.ID, models.GenerationFailed, map[string]any{"error": err.Error()}); markErr != nil {
			o.log.Error().Err(markErr).Str("generation", gen.ID).Msg("record image failure")
		}
		o.notifier.Send(notify.Event{
			Kind: "image", CharacterID: character.ID, RecordID: gen.ID,
			Status: models.GenerationFailed, Detail: err.Error(),
		})
		return err
	}
	return nil
}

func (o *Orchestrator) generateImage(ctx context.Context, gen *models.ImageGeneration, character *models.Character) error {
	if err := o.markImage(gen.ID, models.GenerationProcessing, nil); err != nil {
		return err
	}

	baseURL, err := o.pool.ComfyURL(ctx)
	if err != nil {
		return err
	}
	client := o.newClient(baseURL)

	wf, err := workflow.BuildImage(character, imageParams(gen))
	if err != nil {
		return err
	}

	o.log.Info().Str("generation", gen.ID).Str("worker", baseURL).Msg("image job submitted")
	outputs, err := client.Execute(ctx, wf, o.imageTimeout)
	if err != nil {
		return err
	}

	art, ok := firstArtifact(outputs, "images")
	if !ok {
		return fmt.Errorf("no output image found in workflow results")
	}
	data, err := client.FetchOutput(ctx, art.Filename, art.Subfolder, art.Type)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("characters/%s/images/%s.png", character.ID, gen.ID)
	url, err := o.store.Upload(ctx, data, path, "image/png")
	if err != nil {
		return err
	}

	if err := o.markImage(gen.ID, models.GenerationCompleted, map[string]any{"image_url": url}); err != nil {
		return err
	}
	o.log.Info().Str("generation", gen.ID).Str("url", url).Msg("image job completed")
	o.notifier.Send(notify.Event{
		Kind: "image", CharacterID: character.ID, RecordID: gen.ID,
		Status: models.GenerationCompleted, URL: url,
	})
	return nil
}
