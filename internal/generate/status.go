package generate

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/forge/internal/models"
)

// DefaultStaleThreshold is how long a generation may sit in processing
// before the sweep declares it stalled.
const DefaultStaleThreshold = 2 * time.Hour

// markImage updates a non-terminal image generation. The terminal guard
// in the WHERE clause makes completed/failed records immutable.
func (o *Orchestrator) markImage(id, status string, fields map[string]any) error {
	updates := map[string]any{"status": status}
	for k, v := range fields {
		updates[k] = v
	}
	result := o.db.Model(&models.ImageGeneration{}).
		Where("id = ? AND status NOT IN ?", id, models.TerminalGenerationStatuses).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("generate: mark image %s %s: %w", id, status, result.Error)
	}
	return nil
}

// markVideo is markImage for video generations.
func (o *Orchestrator) markVideo(id, status string, fields map[string]any) error {
	updates := map[string]any{"status": status}
	for k, v := range fields {
		updates[k] = v
	}
	result := o.db.Model(&models.VideoGeneration{}).
		Where("id = ? AND status NOT IN ?", id, models.TerminalGenerationStatuses).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("generate: mark video %s %s: %w", id, status, result.Error)
	}
	return nil
}

// FailStale marks generations stuck in processing longer than threshold
// as failed. Run periodically; a crashed process otherwise leaves
// records in processing forever.
func FailStale(db *gorm.DB, threshold time.Duration) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("generate: db is required")
	}
	if threshold <= 0 {
		return 0, fmt.Errorf("generate: threshold must be positive")
	}

	cutoff := time.Now().Add(-threshold)
	msg := fmt.Sprintf("generation stalled: processing for more than %s", threshold)

	var total int64
	result := db.Model(&models.ImageGeneration{}).
		Where("status = ? AND created_at < ?", models.GenerationProcessing, cutoff).
		Updates(map[string]any{"status": models.GenerationFailed, "error": msg})
	if result.Error != nil {
		return 0, fmt.Errorf("generate: sweep stale images: %w", result.Error)
	}
	total += result.RowsAffected

	result = db.Model(&models.VideoGeneration{}).
		Where("status = ? AND created_at < ?", models.GenerationProcessing, cutoff).
		Updates(map[string]any{"status": models.GenerationFailed, "error": msg})
	if result.Error != nil {
		return 0, fmt.Errorf("generate: sweep stale videos: %w", result.Error)
	}
	total += result.RowsAffected

	return total, nil
}
