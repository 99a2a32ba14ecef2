// Package train runs LoRA adapter training for characters: prepare a
// captioned dataset, invoke the training script, and publish the
// resulting adapter.
package train

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/forge/internal/config"
	"github.com/zulandar/forge/internal/models"
	"github.com/zulandar/forge/internal/notify"
	"github.com/zulandar/forge/internal/storage"
)

// DefaultScript is the training command used when none is configured.
const DefaultScript = "python -m kohya_ss.train_network"

// Trainer runs one training job per call. Jobs are independent; callers
// detach each call onto its own goroutine.
type Trainer struct {
	db       *gorm.DB
	store    storage.Provider
	notifier notify.Notifier
	log      zerolog.Logger
	cfg      config.TrainingConfig
}

// Opts holds parameters for creating a Trainer.
type Opts struct {
	DB       *gorm.DB
	Store    storage.Provider
	Notifier notify.Notifier
	Logger   *zerolog.Logger
	Config   config.TrainingConfig
}

// New creates a Trainer.
func New(opts Opts) *Trainer {
	t := &Trainer{
		db:       opts.DB,
		store:    opts.Store,
		notifier: opts.Notifier,
		log:      zerolog.Nop(),
		cfg:      opts.Config,
	}
	if opts.Logger != nil {
		t.log = *opts.Logger
	}
	if t.notifier == nil {
		t.notifier = notify.Nop{}
	}
	if t.cfg.Script == "" {
		t.cfg.Script = DefaultScript
	}
	return t
}

// CheckDependencies verifies the training command's binary is reachable,
// either as a path or on PATH.
func (t *Trainer) CheckDependencies() error {
	parts := strings.Fields(t.cfg.Script)
	if len(parts) == 0 {
		return fmt.Errorf("train: training script is empty")
	}
	bin := parts[0]
	if _, err := os.Stat(bin); err == nil {
		return nil
	}
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("train: training script %q not found: %w", bin, err)
	}
	return nil
}

// PrepareDataset writes the training images plus caption sidecars into
// dir, laid out the way kohya expects: dir/1_{trigger}/0000.png with a
// matching 0000.txt per image.
func (t *Trainer) PrepareDataset(dir, triggerWord string, images [][]byte) (string, error) {
	if len(images) == 0 {
		return "", fmt.Errorf("train: at least one training image is required")
	}
	imageDir := filepath.Join(dir, fmt.Sprintf("1_%s", triggerWord))
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return "", fmt.Errorf("train: create dataset dir: %w", err)
	}

	caption := fmt.Sprintf("%s, a photo of a person", triggerWord)
	for i, data := range images {
		name := fmt.Sprintf("%04d", i)
		if err := os.WriteFile(filepath.Join(imageDir, name+".png"), data, 0o644); err != nil {
			return "", fmt.Errorf("train: write image %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(imageDir, name+".txt"), []byte(caption), 0o644); err != nil {
			return "", fmt.Errorf("train: write caption %s: %w", name, err)
		}
	}
	return imageDir, nil
}

// Train runs one training job to its terminal state. Any failure is
// recorded on the character before the error is returned.
func (t *Trainer) Train(ctx context.Context, character *models.Character, images [][]byte) error {
	if err := t.train(ctx, character, images); err != nil {
		if markErr := t.markCharacter(character.ID, models.CharacterFailed, map[string]any{"training_error": err.Error()}); markErr != nil {
			t.log.Error().Err(markErr).Str("character", character.ID).Msg("record training failure")
		}
		t.notifier.Send(notify.Event{
			Kind: "training", CharacterID: character.ID,
			Status: models.CharacterFailed, Detail: err.Error(),
		})
		return err
	}
	return nil
}

func (t *Trainer) train(ctx context.Context, character *models.Character, images [][]byte) error {
	if err := t.markCharacter(character.ID, models.CharacterTraining, nil); err != nil {
		return err
	}

	workDir, err := os.MkdirTemp("", "lora_training_"+character.ID+"_")
	if err != nil {
		return fmt.Errorf("train: create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	datasetDir := filepath.Join(workDir, "images")
	imageDir, err := t.PrepareDataset(datasetDir, character.TriggerWord, images)
	if err != nil {
		return err
	}
	outputDir := filepath.Join(workDir, "output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("train: create output dir: %w", err)
	}

	configPath := filepath.Join(workDir, "training_config.json")
	if err := t.writeTrainingConfig(configPath, datasetDir, outputDir, character); err != nil {
		return err
	}

	t.log.Info().Str("character", character.ID).Str("work_dir", workDir).Msg("training started")
	if err := t.runScript(ctx, workDir, configPath); err != nil {
		return err
	}

	loraFile, err := findLoraFile(outputDir)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(loraFile)
	if err != nil {
		return fmt.Errorf("train: read lora file: %w", err)
	}
	if _, err := t.store.Upload(ctx, data, fmt.Sprintf("loras/%s/%s", character.ID, filepath.Base(loraFile)), "application/octet-stream"); err != nil {
		return err
	}

	// The worker loads the adapter from the local models directory, so
	// keep a copy there alongside the storage upload.
	localPath := filepath.Join(t.cfg.OutputDir, filepath.Base(loraFile))
	if err := os.MkdirAll(t.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("train: create lora output dir: %w", err)
	}
	if err := copyFile(loraFile, localPath); err != nil {
		return err
	}

	updates := map[string]any{"lora_path": localPath}
	if url, err := t.uploadThumbnail(ctx, character.ID, imageDir); err == nil && url != "" {
		updates["thumbnail_url"] = url
	}

	if err := t.markCharacter(character.ID, models.CharacterReady, updates); err != nil {
		return err
	}
	t.log.Info().Str("character", character.ID).Str("lora", localPath).Msg("training completed")
	t.notifier.Send(notify.Event{
		Kind: "training", CharacterID: character.ID,
		Status: models.CharacterReady, URL: localPath,
	})
	return nil
}

// runScript invokes the configured training command with the config
// file appended, capturing combined output for the failure message.
func (t *Trainer) runScript(ctx context.Context, workDir, configPath string) error {
	parts := strings.Fields(t.cfg.Script)
	args := append(parts[1:], "--config_file", configPath)

	cmd := exec.CommandContext(ctx, parts[0], args...)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("train: training failed: %s", tail(string(out), 2000))
	}
	return nil
}

// writeTrainingConfig emits a kohya-format config file for the run.
func (t *Trainer) writeTrainingConfig(path, datasetDir, outputDir string, character *models.Character) error {
	name := strings.ToLower(strings.ReplaceAll(character.Name, " ", "_"))
	cfg := map[string]any{
		"pretrained_model_name_or_path": t.cfg.BaseModel,
		"train_data_dir":                datasetDir,
		"output_dir":                    outputDir,
		"output_name":                   "lora_" + name,
		"resolution":                    "1024,1024",
		"train_batch_size":              1,
		"learning_rate":                 t.cfg.LearningRate,
		"max_train_steps":               t.cfg.Steps,
		"save_every_n_steps":            500,
		"mixed_precision":               "bf16",
		"save_precision":                "bf16",
		"network_module":                "networks.lora",
		"network_dim":                   32,
		"network_alpha":                 16,
		"optimizer_type":                "AdamW8bit",
		"lr_scheduler":                  "cosine",
		"lr_warmup_steps":               100,
		"caption_extension":             ".txt",
		"shuffle_caption":               true,
		"keep_tokens":                   1,
		"seed":                          42,
		"xformers":                      true,
		"cache_latents":                 true,
		"cache_latents_to_disk":         true,
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("train: marshal training config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("train: write training config: %w", err)
	}
	return nil
}

// uploadThumbnail publishes the first training image as the character's
// thumbnail. Best effort.
func (t *Trainer) uploadThumbnail(ctx context.Context, characterID, imageDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(imageDir, "*.png"))
	if err != nil || len(matches) == 0 {
		return "", err
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return "", err
	}
	return t.store.Upload(ctx, data, fmt.Sprintf("characters/%s/thumbnail.png", characterID), "image/png")
}

// markCharacter updates a non-terminal character. The terminal guard in
// the WHERE clause makes ready/failed characters immutable.
func (t *Trainer) markCharacter(id, status string, fields map[string]any) error {
	updates := map[string]any{"status": status}
	for k, v := range fields {
		updates[k] = v
	}
	result := t.db.Model(&models.Character{}).
		Where("id = ? AND status NOT IN ?", id, models.TerminalCharacterStatuses).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("train: mark character %s %s: %w", id, status, result.Error)
	}
	return nil
}

func findLoraFile(outputDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(outputDir, "*.safetensors"))
	if err != nil {
		return "", fmt.Errorf("train: scan output dir: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no lora file found after training")
	}
	return matches[0], nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("train: open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("train: create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("train: copy lora file: %w", err)
	}
	return nil
}

// tail returns at most n trailing bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	if s == "" {
		return "unknown training error"
	}
	return s
}
