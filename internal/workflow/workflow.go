// Package workflow builds parameterized ComfyUI job descriptions from
// static templates. Builders are pure: they inject values into known node
// inputs and leave everything else in the template untouched, so
// templates can evolve independently of this code. No range validation
// happens here; the API layer owns that.
package workflow

import (
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"path/filepath"

	"github.com/zulandar/forge/internal/models"
)

//go:embed templates/*.json
var templates embed.FS

// Description is a graph-of-nodes job spec keyed by node id. Node
// contents are opaque beyond the "inputs" mapping.
type Description map[string]map[string]any

// ImageParams are the injectable parameters of an image job.
type ImageParams struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	GuidanceScale  float64
	LoraStrength   float64
	Seed           *int64
}

// ApplyDefaults fills zero values with the standard generation defaults.
func (p *ImageParams) ApplyDefaults() {
	if p.NegativePrompt == "" {
		p.NegativePrompt = "blurry, low quality, distorted, deformed"
	}
	if p.Width == 0 {
		p.Width = 1024
	}
	if p.Height == 0 {
		p.Height = 1024
	}
	if p.Steps == 0 {
		p.Steps = 30
	}
	if p.GuidanceScale == 0 {
		p.GuidanceScale = 7.5
	}
	if p.LoraStrength == 0 {
		p.LoraStrength = 0.8
	}
}

// VideoParams are the injectable parameters of a video job.
type VideoParams struct {
	Prompt         string
	Width          int
	Height         int
	NumFrames      int
	FPS            int
	MotionBucketID int
	Seed           *int64
}

// ApplyDefaults fills zero values with the standard video defaults.
func (p *VideoParams) ApplyDefaults() {
	if p.Width == 0 {
		p.Width = 1024
	}
	if p.Height == 0 {
		p.Height = 576
	}
	if p.NumFrames == 0 {
		p.NumFrames = 25
	}
	if p.FPS == 0 {
		p.FPS = 6
	}
	if p.MotionBucketID == 0 {
		p.MotionBucketID = 127
	}
}

// load parses a fresh copy of an embedded template.
func load(name string) (Description, error) {
	data, err := templates.ReadFile("templates/" + name)
	if err != nil {
		return nil, fmt.Errorf("workflow: read template %s: %w", name, err)
	}
	var wf Description
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("workflow: parse template %s: %w", name, err)
	}
	return wf, nil
}

// setInput overwrites one input of one node. Missing nodes and malformed
// inputs are skipped silently so builders tolerate template drift.
func setInput(wf Description, node, key string, value any) {
	n, ok := wf[node]
	if !ok {
		return
	}
	inputs, ok := n["inputs"].(map[string]any)
	if !ok {
		return
	}
	inputs[key] = value
}

// resolveSeed returns the explicit seed or draws one uniformly from the
// full unsigned 32-bit range.
func resolveSeed(seed *int64) int64 {
	if seed != nil {
		return *seed
	}
	return rand.Int63n(1 << 32)
}

// BuildImage parameterizes the SDXL LoRA image template for one
// character. The character's trigger word is always prepended to the
// prompt so its adapter activates.
func BuildImage(character *models.Character, p ImageParams) (Description, error) {
	wf, err := load("sdxl_lora_image.json")
	if err != nil {
		return nil, err
	}

	seed := resolveSeed(p.Seed)

	// KSampler
	setInput(wf, "3", "seed", seed)
	setInput(wf, "3", "steps", p.Steps)
	setInput(wf, "3", "cfg", p.GuidanceScale)

	// Empty latent canvas
	setInput(wf, "5", "width", p.Width)
	setInput(wf, "5", "height", p.Height)

	// Prompts
	setInput(wf, "6", "text", character.TriggerWord+", "+p.Prompt)
	setInput(wf, "7", "text", p.NegativePrompt)

	// LoRA loader: model and conditioning strength track the same value.
	setInput(wf, "10", "lora_name", filepath.Base(character.LoraPath))
	setInput(wf, "10", "strength_model", p.LoraStrength)
	setInput(wf, "10", "strength_clip", p.LoraStrength)

	return wf, nil
}

// BuildVideo parameterizes the SVD video template around a source frame
// already present on the worker.
func BuildVideo(sourceImage string, p VideoParams) (Description, error) {
	wf, err := load("svd_video.json")
	if err != nil {
		return nil, err
	}

	seed := resolveSeed(p.Seed)

	setInput(wf, "1", "image", sourceImage)

	setInput(wf, "2", "width", p.Width)
	setInput(wf, "2", "height", p.Height)
	setInput(wf, "2", "video_frames", p.NumFrames)
	setInput(wf, "2", "motion_bucket_id", p.MotionBucketID)
	setInput(wf, "2", "fps", p.FPS)

	setInput(wf, "3", "seed", seed)

	return wf, nil
}
