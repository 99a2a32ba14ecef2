// Package server exposes the HTTP API: character lifecycle, generation
// submission and polling, and pool inspection. Submission endpoints
// return 202 with a pending record and run the job on a detached
// goroutine; everything after that is discoverable only by polling.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/forge/internal/models"
	"github.com/zulandar/forge/internal/pool"
)

// Generator runs generation jobs. *generate.Orchestrator implements it.
type Generator interface {
	GenerateImage(ctx context.Context, gen *models.ImageGeneration, character *models.Character) error
	GenerateVideo(ctx context.Context, gen *models.VideoGeneration, character *models.Character) error
}

// CharacterTrainer runs training jobs. *train.Trainer implements it.
type CharacterTrainer interface {
	Train(ctx context.Context, character *models.Character, images [][]byte) error
}

// WorkerPool reports worker state. *pool.Registry implements it.
type WorkerPool interface {
	Refresh(ctx context.Context, force bool) error
	Snapshot() []pool.Worker
	LastRefresh() time.Time
}

// Opts holds configuration for the API server.
type Opts struct {
	DB           *gorm.DB
	Pool         WorkerPool
	Orchestrator Generator
	Trainer      CharacterTrainer
	Port         int
	Logger       *zerolog.Logger
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	if opts.DB == nil {
		return fmt.Errorf("server: db is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8000
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	h := &handlers{
		db:           opts.DB,
		pool:         opts.Pool,
		orchestrator: opts.Orchestrator,
		trainer:      opts.Trainer,
		log:          log,
	}
	h.register(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	log.Info().Int("port", opts.Port).Msg("api server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// requestLogger logs one line per request.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

type handlers struct {
	db           *gorm.DB
	pool         WorkerPool
	orchestrator Generator
	trainer      CharacterTrainer
	log          zerolog.Logger
}

func (h *handlers) register(router *gin.Engine) {
	router.GET("/health", h.health)
	router.GET("/workers", h.listWorkers)

	router.POST("/characters", h.createCharacter)
	router.GET("/characters", h.listCharacters)
	router.GET("/characters/:id", h.getCharacter)
	router.DELETE("/characters/:id", h.deleteCharacter)

	router.POST("/generate/image", h.generateImage)
	router.GET("/generate/image/:id", h.getImageGeneration)
	router.POST("/generate/video", h.generateVideo)
	router.GET("/generate/video/:id", h.getVideoGeneration)
}

func (h *handlers) health(c *gin.Context) {
	status := "ok"
	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		status = "degraded"
		dbStatus = err.Error()
	}

	var workers, healthy int
	if h.pool != nil {
		for _, w := range h.pool.Snapshot() {
			workers++
			if w.Healthy {
				healthy++
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"database":        dbStatus,
		"workers":         workers,
		"healthy_workers": healthy,
	})
}

func (h *handlers) listWorkers(c *gin.Context) {
	if h.pool == nil {
		c.JSON(http.StatusOK, gin.H{"workers": []pool.Worker{}})
		return
	}
	if err := h.pool.Refresh(c.Request.Context(), false); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workers":      h.pool.Snapshot(),
		"last_refresh": h.pool.LastRefresh(),
	})
}
