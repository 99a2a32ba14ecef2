// Package storage provides artifact storage behind a single provider
// interface, selected once at process start from configuration.
package storage

import (
	"context"
	"fmt"

	"github.com/zulandar/forge/internal/config"
)

// Provider persists generation artifacts and hands back durable URLs.
// Paths follow the convention characters/{character-id}/{images|videos}/{record-id}.{ext}.
type Provider interface {
	Upload(ctx context.Context, data []byte, path, contentType string) (string, error)
	Delete(ctx context.Context, path string) error
	URL(path string) string
}

// New constructs the configured provider. Construct once and share the
// instance for the process lifetime.
func New(ctx context.Context, cfg config.StorageConfig) (Provider, error) {
	switch cfg.Provider {
	case "local":
		return NewLocal(cfg.Local.Dir)
	case "s3":
		return NewS3(ctx, cfg.S3)
	case "supabase":
		return NewSupabase(cfg.Supabase), nil
	default:
		return nil, fmt.Errorf("storage: unknown provider %q", cfg.Provider)
	}
}
