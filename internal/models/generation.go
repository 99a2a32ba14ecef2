package models

import "time"

// Generation statuses. Transitions are monotonic:
// pending -> processing -> {completed, failed}. The orchestrator is the
// only writer of status after creation; terminal records are never
// re-mutated.
const (
	GenerationPending    = "pending"
	GenerationProcessing = "processing"
	GenerationCompleted  = "completed"
	GenerationFailed     = "failed"
)

// TerminalGenerationStatuses lists the statuses a record never leaves.
var TerminalGenerationStatuses = []string{GenerationCompleted, GenerationFailed}

// ImageGeneration is one image job for a character.
type ImageGeneration struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	CharacterID    string    `gorm:"size:36;not null;index" json:"character_id"`
	Status         string    `gorm:"size:20;not null;default:pending" json:"status"`
	Prompt         string    `gorm:"type:text;not null" json:"prompt"`
	NegativePrompt string    `gorm:"type:text" json:"negative_prompt"`
	Width          int       `gorm:"not null;default:1024" json:"width"`
	Height         int       `gorm:"not null;default:1024" json:"height"`
	Steps          int       `gorm:"not null;default:30" json:"steps"`
	GuidanceScale  float64   `gorm:"not null;default:7.5" json:"guidance_scale"`
	LoraStrength   float64   `gorm:"not null;default:0.8" json:"lora_strength"`
	Seed           *int64    `json:"seed"`
	ImageURL       string    `gorm:"size:500" json:"image_url"`
	Error          string    `gorm:"type:text" json:"error"`
	CreatedAt      time.Time `json:"created_at"`

	Character *Character `gorm:"foreignKey:CharacterID" json:"-"`
}

// VideoGeneration is one video job for a character. When SourceImageURL
// is empty an image job runs first to produce the source frame.
type VideoGeneration struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	CharacterID    string    `gorm:"size:36;not null;index" json:"character_id"`
	Status         string    `gorm:"size:20;not null;default:pending" json:"status"`
	Prompt         string    `gorm:"type:text;not null" json:"prompt"`
	SourceImageURL string    `gorm:"size:500" json:"source_image_url"`
	Width          int       `gorm:"not null;default:1024" json:"width"`
	Height         int       `gorm:"not null;default:576" json:"height"`
	NumFrames      int       `gorm:"not null;default:25" json:"num_frames"`
	FPS            int       `gorm:"not null;default:6" json:"fps"`
	MotionBucketID int       `gorm:"not null;default:127" json:"motion_bucket_id"`
	Seed           *int64    `json:"seed"`
	VideoURL       string    `gorm:"size:500" json:"video_url"`
	ThumbnailURL   string    `gorm:"size:500" json:"thumbnail_url"`
	Error          string    `gorm:"type:text" json:"error"`
	CreatedAt      time.Time `json:"created_at"`

	Character *Character `gorm:"foreignKey:CharacterID" json:"-"`
}
