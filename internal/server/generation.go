package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zulandar/forge/internal/models"
)

type imageGenerationRequest struct {
	CharacterID    string  `json:"character_id" binding:"required"`
	Prompt         string  `json:"prompt" binding:"required"`
	NegativePrompt string  `json:"negative_prompt"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	GuidanceScale  float64 `json:"guidance_scale"`
	LoraStrength   float64 `json:"lora_strength"`
	Seed           *int64  `json:"seed"`
}

type videoGenerationRequest struct {
	CharacterID    string `json:"character_id" binding:"required"`
	Prompt         string `json:"prompt" binding:"required"`
	SourceImageURL string `json:"source_image_url"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	NumFrames      int    `json:"num_frames"`
	FPS            int    `json:"fps"`
	MotionBucketID int    `json:"motion_bucket_id"`
	Seed           *int64 `json:"seed"`
}

// readyCharacter loads a character and rejects generation until training
// has produced an adapter.
func (h *handlers) readyCharacter(c *gin.Context, id string) (*models.Character, bool) {
	var character models.Character
	if err := h.db.First(&character, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "character not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if character.Status != models.CharacterReady {
		c.JSON(http.StatusBadRequest, gin.H{"error": "character not ready for generation, current status: " + character.Status})
		return nil, false
	}
	if character.LoraPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "character lora training not complete"})
		return nil, false
	}
	return &character, true
}

func (h *handlers) generateImage(c *gin.Context) {
	var req imageGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	character, ok := h.readyCharacter(c, req.CharacterID)
	if !ok {
		return
	}

	gen := &models.ImageGeneration{
		ID:             uuid.NewString(),
		CharacterID:    character.ID,
		Status:         models.GenerationPending,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          orDefault(req.Width, 1024),
		Height:         orDefault(req.Height, 1024),
		Steps:          orDefault(req.Steps, 30),
		GuidanceScale:  orDefaultF(req.GuidanceScale, 7.5),
		LoraStrength:   orDefaultF(req.LoraStrength, 0.8),
		Seed:           req.Seed,
	}
	if err := h.db.Create(gen).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if h.orchestrator != nil {
		go func() {
			if err := h.orchestrator.GenerateImage(context.Background(), gen, character); err != nil {
				h.log.Error().Err(err).Str("generation", gen.ID).Msg("image job failed")
			}
		}()
	}

	c.JSON(http.StatusAccepted, gen)
}

func (h *handlers) getImageGeneration(c *gin.Context) {
	var gen models.ImageGeneration
	if err := h.db.First(&gen, "id = ?", c.Param("id")).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "generation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gen)
}

func (h *handlers) generateVideo(c *gin.Context) {
	var req videoGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	character, ok := h.readyCharacter(c, req.CharacterID)
	if !ok {
		return
	}

	gen := &models.VideoGeneration{
		ID:             uuid.NewString(),
		CharacterID:    character.ID,
		Status:         models.GenerationPending,
		Prompt:         req.Prompt,
		SourceImageURL: req.SourceImageURL,
		Width:          orDefault(req.Width, 1024),
		Height:         orDefault(req.Height, 576),
		NumFrames:      orDefault(req.NumFrames, 25),
		FPS:            orDefault(req.FPS, 6),
		MotionBucketID: orDefault(req.MotionBucketID, 127),
		Seed:           req.Seed,
	}
	if err := h.db.Create(gen).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if h.orchestrator != nil {
		go func() {
			if err := h.orchestrator.GenerateVideo(context.Background(), gen, character); err != nil {
				h.log.Error().Err(err).Str("generation", gen.ID).Msg("video job failed")
			}
		}()
	}

	c.JSON(http.StatusAccepted, gen)
}

func (h *handlers) getVideoGeneration(c *gin.Context) {
	var gen models.VideoGeneration
	if err := h.db.First(&gen, "id = ?", c.Param("id")).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "generation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gen)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultF(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
