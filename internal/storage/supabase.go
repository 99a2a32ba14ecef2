package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/forge/internal/config"
)

// Supabase stores artifacts in a Supabase Storage bucket via its REST
// API. The bucket is expected to be public.
type Supabase struct {
	baseURL string
	key     string
	bucket  string
	http    *http.Client
}

// NewSupabase builds a Supabase provider.
func NewSupabase(cfg config.SupabaseConfig) *Supabase {
	return &Supabase{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		key:     cfg.Key,
		bucket:  cfg.Bucket,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *Supabase) objectURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, path)
}

// Upload posts the object and returns its public URL.
func (s *Supabase) Upload(ctx context.Context, data []byte, path, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.objectURL(path), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("storage: build supabase request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("Content-Type", contentType)

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage: supabase upload %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("storage: supabase upload %s returned %d: %s", path, resp.StatusCode, bytes.TrimSpace(b))
	}
	return s.URL(path), nil
}

// Delete removes the object.
func (s *Supabase) Delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL(path), nil)
	if err != nil {
		return fmt.Errorf("storage: build supabase request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.key)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("storage: supabase delete %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("storage: supabase delete %s returned %d", path, resp.StatusCode)
	}
	return nil
}

// URL returns the public object URL.
func (s *Supabase) URL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, path)
}
