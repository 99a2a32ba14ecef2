package generate

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/zulandar/forge/internal/models"
	"github.com/zulandar/forge/internal/notify"
	"github.com/zulandar/forge/internal/workflow"
)

func videoParams(gen *models.VideoGeneration) workflow.VideoParams {
	p := workflow.VideoParams{
		Prompt:         gen.Prompt,
		Width:          gen.Width,
		Height:         gen.Height,
		NumFrames:      gen.NumFrames,
		FPS:            gen.FPS,
		MotionBucketID: gen.MotionBucketID,
		Seed:           gen.Seed,
	}
	p.ApplyDefaults()
	return p
}

// GenerateVideo runs one video job to its terminal state, generating a
// source frame first when none was supplied. Failure handling matches
// GenerateImage: record, notify, return.
func (o *Orchestrator) GenerateVideo(ctx context.Context, gen *models.VideoGeneration, character *models.Character) error {
	if err := o.generateVideo(ctx, gen, character); err != nil {
		if markErr := o.markVideo(gen.ID, models.GenerationFailed, map[string]any{"error": err.Error()}); markErr != nil {
			o.log.Error().Err(markErr).Str("generation", gen.ID).Msg("record video failure")
		}
		o.notifier.Send(notify.Event{
			Kind: "video", CharacterID: character.ID, RecordID: gen.ID,
			Status: models.GenerationFailed, Detail: err.Error(),
		})
		return err
	}
	return nil
}

func (o *Orchestrator) generateVideo(ctx context.Context, gen *models.VideoGeneration, character *models.Character) error {
	if err := o.markVideo(gen.ID, models.GenerationProcessing, nil); err != nil {
		return err
	}

	baseURL, err := o.pool.ComfyURL(ctx)
	if err != nil {
		return err
	}
	client := o.newClient(baseURL)

	sourceImage, err := o.resolveSourceFrame(ctx, client, gen, character)
	if err != nil {
		return err
	}

	wf, err := workflow.BuildVideo(sourceImage, videoParams(gen))
	if err != nil {
		return err
	}

	o.log.Info().Str("generation", gen.ID).Str("worker", baseURL).Msg("video job submitted")
	outputs, err := client.Execute(ctx, wf, o.videoTimeout)
	if err != nil {
		return err
	}

	art, ok := firstArtifact(outputs, "gifs")
	if !ok {
		return fmt.Errorf("no output video found in workflow results")
	}
	data, err := client.FetchOutput(ctx, art.Filename, art.Subfolder, art.Type)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("characters/%s/videos/%s.mp4", character.ID, gen.ID)
	url, err := o.store.Upload(ctx, data, path, "video/mp4")
	if err != nil {
		return err
	}

	if err := o.markVideo(gen.ID, models.GenerationCompleted, map[string]any{"video_url": url}); err != nil {
		return err
	}
	o.log.Info().Str("generation", gen.ID).Str("url", url).Msg("video job completed")
	o.notifier.Send(notify.Event{
		Kind: "video", CharacterID: character.ID, RecordID: gen.ID,
		Status: models.GenerationCompleted, URL: url,
	})
	return nil
}

// resolveSourceFrame produces the worker-local filename of the video's
// first frame. Without a supplied source image an image job runs first;
// its failure aborts the video job before the video workflow is ever
// submitted. A supplied source URL is downloaded and pushed to the
// worker's input store.
func (o *Orchestrator) resolveSourceFrame(ctx context.Context, client JobClient, gen *models.VideoGeneration, character *models.Character) (string, error) {
	if gen.SourceImageURL == "" {
		wf, err := workflow.BuildImage(character, workflow.ImageParams{
			Prompt: gen.Prompt,
			Width:  gen.Width,
			Height: gen.Height,
			Steps:  30,
			GuidanceScale: 7.5,
			LoraStrength:  0.8,
		})
		if err != nil {
			return "", err
		}
		outputs, err := client.Execute(ctx, wf, o.imageTimeout)
		if err != nil {
			return "", err
		}
		art, ok := firstArtifact(outputs, "images")
		if !ok {
			return "", fmt.Errorf("failed to generate source image for video")
		}
		return art.Filename, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gen.SourceImageURL, nil)
	if err != nil {
		return "", fmt.Errorf("generate: build source image request: %w", err)
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate: download source image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generate: source image download returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("generate: read source image: %w", err)
	}

	return client.UploadImage(ctx, data, fmt.Sprintf("source_%s.png", gen.ID))
}
