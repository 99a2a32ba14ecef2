package models

import "time"

// Character statuses. Transitions are monotonic:
// pending -> training -> {ready, failed}.
const (
	CharacterPending  = "pending"
	CharacterTraining = "training"
	CharacterReady    = "ready"
	CharacterFailed   = "failed"
)

// TerminalCharacterStatuses lists the statuses a character never leaves.
var TerminalCharacterStatuses = []string{CharacterReady, CharacterFailed}

// Character is a trained persona: a LoRA adapter plus the trigger word
// that invokes it in prompts.
type Character struct {
	ID                 string    `gorm:"primaryKey;size:36" json:"id"`
	Name               string    `gorm:"size:100;not null;index" json:"name"`
	Description        string    `gorm:"type:text" json:"description"`
	TriggerWord        string    `gorm:"size:50;not null;uniqueIndex" json:"trigger_word"`
	Status             string    `gorm:"size:20;not null;default:pending" json:"status"`
	LoraPath           string    `gorm:"size:500" json:"lora_path"`
	ThumbnailURL       string    `gorm:"size:500" json:"thumbnail_url"`
	TrainingImagesPath string    `gorm:"size:500" json:"training_images_path"`
	TrainingError      string    `gorm:"type:text" json:"training_error"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}
