package server

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zulandar/forge/internal/models"
)

const (
	minTrainingImages = 5
	maxTrainingImages = 50
)

var triggerWordClean = regexp.MustCompile(`[^a-z0-9]`)

// defaultTriggerWord derives a trigger word from the character name.
func defaultTriggerWord(name string) string {
	return "sks_" + triggerWordClean.ReplaceAllString(strings.ToLower(name), "")
}

// createCharacter accepts a multipart form with name, optional
// description and trigger_word, and reference images. The character is
// created pending and training runs detached.
func (h *handlers) createCharacter(c *gin.Context) {
	name := c.PostForm("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form required"})
		return
	}
	files := form.File["images"]
	if len(files) < minTrainingImages {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least 5 reference images required"})
		return
	}
	if len(files) > maxTrainingImages {
		c.JSON(http.StatusBadRequest, gin.H{"error": "maximum 50 images allowed"})
		return
	}

	images := make([][]byte, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read image: " + err.Error()})
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read image: " + err.Error()})
			return
		}
		images = append(images, data)
	}

	trigger := c.PostForm("trigger_word")
	if trigger == "" {
		trigger = defaultTriggerWord(name)
	}

	character := &models.Character{
		ID:          uuid.NewString(),
		Name:        name,
		Description: c.PostForm("description"),
		TriggerWord: trigger,
		Status:      models.CharacterPending,
	}
	if err := h.db.Create(character).Error; err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "character with trigger word '" + trigger + "' already exists"})
		return
	}

	if h.trainer != nil {
		go func() {
			if err := h.trainer.Train(context.Background(), character, images); err != nil {
				h.log.Error().Err(err).Str("character", character.ID).Msg("training job failed")
			}
		}()
	}

	c.JSON(http.StatusCreated, character)
}

func (h *handlers) listCharacters(c *gin.Context) {
	var characters []models.Character
	if err := h.db.Order("created_at DESC").Find(&characters).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"characters": characters, "total": len(characters)})
}

func (h *handlers) getCharacter(c *gin.Context) {
	var character models.Character
	if err := h.db.First(&character, "id = ?", c.Param("id")).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "character not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, character)
}

func (h *handlers) deleteCharacter(c *gin.Context) {
	result := h.db.Delete(&models.Character{}, "id = ?", c.Param("id"))
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": result.Error.Error()})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "character not found"})
		return
	}
	c.Status(http.StatusNoContent)
}
