package train

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/forge/internal/config"
	"github.com/zulandar/forge/internal/db"
	"github.com/zulandar/forge/internal/models"
	"github.com/zulandar/forge/internal/notify"
	"github.com/zulandar/forge/internal/storage"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "forge.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatal(err)
	}
	return gdb
}

// writeScript creates an executable shell script for the trainer to run.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unavailable")
	}
	path := filepath.Join(t.TempDir(), "train.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestTrainer(t *testing.T, gdb *gorm.DB, script string) (*Trainer, string) {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	outputDir := t.TempDir()
	tr := New(Opts{
		DB:    gdb,
		Store: store,
		Config: config.TrainingConfig{
			OutputDir:    outputDir,
			Steps:        1500,
			LearningRate: 1e-4,
			Script:       script,
			BaseModel:    "/models/sd_xl_base_1.0.safetensors",
		},
	})
	return tr, outputDir
}

func seedCharacter(t *testing.T, gdb *gorm.DB, status string) *models.Character {
	t.Helper()
	c := &models.Character{
		ID: "char-1", Name: "Ada Example", TriggerWord: "adatoken", Status: status,
	}
	if err := gdb.Create(c).Error; err != nil {
		t.Fatal(err)
	}
	return c
}

func TestPrepareDataset(t *testing.T) {
	tr, _ := newTestTrainer(t, testDB(t), "true")

	dir := t.TempDir()
	imageDir, err := tr.PrepareDataset(dir, "adatoken", [][]byte{[]byte("img-a"), []byte("img-b")})
	if err != nil {
		t.Fatalf("PrepareDataset() error = %v", err)
	}
	if filepath.Base(imageDir) != "1_adatoken" {
		t.Errorf("image dir = %q, want kohya repeat prefix", imageDir)
	}

	for _, name := range []string{"0000.png", "0000.txt", "0001.png", "0001.txt"} {
		if _, err := os.Stat(filepath.Join(imageDir, name)); err != nil {
			t.Errorf("missing dataset file %s: %v", name, err)
		}
	}
	caption, err := os.ReadFile(filepath.Join(imageDir, "0000.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(caption), "adatoken, ") {
		t.Errorf("caption = %q, want trigger word prefix", caption)
	}
}

func TestPrepareDataset_NoImages(t *testing.T) {
	tr, _ := newTestTrainer(t, testDB(t), "true")
	if _, err := tr.PrepareDataset(t.TempDir(), "adatoken", nil); err == nil {
		t.Error("expected error for empty dataset")
	}
}

func TestTrain_Success(t *testing.T) {
	gdb := testDB(t)
	character := seedCharacter(t, gdb, models.CharacterPending)

	script := writeScript(t, `mkdir -p output && echo weights > output/lora_ada_example.safetensors`)
	tr, outputDir := newTestTrainer(t, gdb, script)

	if err := tr.Train(context.Background(), character, [][]byte{[]byte("img")}); err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	var got models.Character
	if err := gdb.First(&got, "id = ?", character.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got.Status != models.CharacterReady {
		t.Errorf("status = %q, want ready", got.Status)
	}
	wantLora := filepath.Join(outputDir, "lora_ada_example.safetensors")
	if got.LoraPath != wantLora {
		t.Errorf("lora path = %q, want %q", got.LoraPath, wantLora)
	}
	if _, err := os.Stat(wantLora); err != nil {
		t.Errorf("lora file not copied to output dir: %v", err)
	}
	if got.ThumbnailURL == "" {
		t.Error("thumbnail url not set")
	}
	if got.TrainingError != "" {
		t.Errorf("training error = %q, want empty", got.TrainingError)
	}
}

func TestTrain_ScriptFailureRecorded(t *testing.T) {
	gdb := testDB(t)
	character := seedCharacter(t, gdb, models.CharacterPending)

	script := writeScript(t, `echo "CUDA out of memory" >&2; exit 1`)
	tr, _ := newTestTrainer(t, gdb, script)

	err := tr.Train(context.Background(), character, [][]byte{[]byte("img")})
	if err == nil {
		t.Fatal("expected error to be re-raised after recording")
	}

	var got models.Character
	gdb.First(&got, "id = ?", character.ID)
	if got.Status != models.CharacterFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.TrainingError, "CUDA out of memory") {
		t.Errorf("training error = %q, want script output captured", got.TrainingError)
	}
}

func TestTrain_NoLoraOutput(t *testing.T) {
	gdb := testDB(t)
	character := seedCharacter(t, gdb, models.CharacterPending)

	tr, _ := newTestTrainer(t, gdb, writeScript(t, "true"))

	err := tr.Train(context.Background(), character, [][]byte{[]byte("img")})
	if err == nil {
		t.Fatal("expected error")
	}
	var got models.Character
	gdb.First(&got, "id = ?", character.ID)
	if !strings.Contains(got.TrainingError, "no lora file found") {
		t.Errorf("training error = %q", got.TrainingError)
	}
}

func TestTerminalCharacterImmutable(t *testing.T) {
	gdb := testDB(t)
	character := seedCharacter(t, gdb, models.CharacterReady)
	gdb.Model(character).Update("lora_path", "/models/loras/final.safetensors")

	tr, _ := newTestTrainer(t, gdb, "true")
	if err := tr.markCharacter(character.ID, models.CharacterFailed, map[string]any{"training_error": "late failure"}); err != nil {
		t.Fatal(err)
	}

	var got models.Character
	gdb.First(&got, "id = ?", character.ID)
	if got.Status != models.CharacterReady {
		t.Errorf("status = %q, terminal character mutated", got.Status)
	}
	if got.TrainingError != "" {
		t.Errorf("training error = %q, terminal character mutated", got.TrainingError)
	}
}

func TestCheckDependencies(t *testing.T) {
	tr, _ := newTestTrainer(t, testDB(t), "sh -c true")
	if err := tr.CheckDependencies(); err != nil {
		t.Errorf("CheckDependencies() with sh = %v", err)
	}

	tr, _ = newTestTrainer(t, testDB(t), "/nonexistent/trainer --flag")
	if err := tr.CheckDependencies(); err == nil {
		t.Error("expected error for missing binary")
	}
}

func TestNotifierReceivesTerminalEvents(t *testing.T) {
	gdb := testDB(t)
	character := seedCharacter(t, gdb, models.CharacterPending)

	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	var events []notify.Event
	tr := New(Opts{
		DB:       gdb,
		Store:    store,
		Notifier: notifierFunc(func(e notify.Event) { events = append(events, e) }),
		Config: config.TrainingConfig{
			OutputDir: t.TempDir(),
			Script:    writeScript(t, `echo "boom" >&2; exit 1`),
		},
	})

	tr.Train(context.Background(), character, [][]byte{[]byte("img")})
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Kind != "training" || events[0].Status != models.CharacterFailed {
		t.Errorf("event = %+v", events[0])
	}
}

type notifierFunc func(notify.Event)

func (f notifierFunc) Send(e notify.Event) { f(e) }
