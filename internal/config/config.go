// Package config provides YAML-based configuration loading for Forge.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Forge configuration, loaded from config.yaml.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RunPod   RunPodConfig   `yaml:"runpod"`
	Comfy    ComfyConfig    `yaml:"comfy"`
	Storage  StorageConfig  `yaml:"storage"`
	Training TrainingConfig `yaml:"training"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// ServerConfig holds HTTP API listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds connection settings for the MySQL server.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// RunPodConfig holds control-plane credentials for the GPU worker pool.
// Both fields empty means no pool is configured and the static Comfy URL
// is used instead.
type RunPodConfig struct {
	APIKey     string `yaml:"api_key"`
	EndpointID string `yaml:"endpoint_id"`
}

// ComfyConfig holds settings for reaching ComfyUI workers.
type ComfyConfig struct {
	URL            string `yaml:"url"`             // static fallback, e.g. http://localhost:8188
	ImageTimeoutS  int    `yaml:"image_timeout_s"` // overall wait for an image job
	VideoTimeoutS  int    `yaml:"video_timeout_s"` // overall wait for a video job
	RefreshSeconds int    `yaml:"refresh_seconds"` // pool refresh staleness window
}

// StorageConfig selects and configures the artifact storage backend.
type StorageConfig struct {
	Provider string         `yaml:"provider"` // local, s3, supabase
	Local    LocalStorage   `yaml:"local"`
	S3       S3Storage      `yaml:"s3"`
	Supabase SupabaseConfig `yaml:"supabase"`
}

// LocalStorage configures the filesystem provider.
type LocalStorage struct {
	Dir string `yaml:"dir"`
}

// S3Storage configures the AWS S3 provider.
type S3Storage struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
}

// SupabaseConfig configures the Supabase Storage provider.
type SupabaseConfig struct {
	URL    string `yaml:"url"`
	Key    string `yaml:"key"`
	Bucket string `yaml:"bucket"`
}

// TrainingConfig holds LoRA training settings.
type TrainingConfig struct {
	OutputDir    string  `yaml:"output_dir"`
	Steps        int     `yaml:"steps"`
	LearningRate float64 `yaml:"learning_rate"`
	Script       string  `yaml:"script"` // training command, first token is the binary
	BaseModel    string  `yaml:"base_model"`
}

// NotifyConfig holds optional Slack/Discord notification settings.
// Empty tokens disable the corresponding sender.
type NotifyConfig struct {
	SlackToken     string `yaml:"slack_token"`
	SlackChannel   string `yaml:"slack_channel"`
	DiscordToken   string `yaml:"discord_token"`
	DiscordChannel string `yaml:"discord_channel"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Database == "" {
		c.Database.Database = "forge"
	}
	if c.Comfy.URL == "" {
		c.Comfy.URL = "http://localhost:8188"
	}
	if c.Comfy.ImageTimeoutS == 0 {
		c.Comfy.ImageTimeoutS = 300
	}
	if c.Comfy.VideoTimeoutS == 0 {
		c.Comfy.VideoTimeoutS = 600
	}
	if c.Comfy.RefreshSeconds == 0 {
		c.Comfy.RefreshSeconds = 30
	}
	if c.Storage.Provider == "" {
		c.Storage.Provider = "local"
	}
	if c.Storage.Local.Dir == "" {
		c.Storage.Local.Dir = "./storage"
	}
	if c.Storage.S3.Region == "" {
		c.Storage.S3.Region = "us-east-1"
	}
	if c.Training.OutputDir == "" {
		c.Training.OutputDir = "./models/loras"
	}
	if c.Training.Steps == 0 {
		c.Training.Steps = 1500
	}
	if c.Training.LearningRate == 0 {
		c.Training.LearningRate = 1e-4
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Storage.Provider {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, "storage.s3.bucket is required")
		}
	case "supabase":
		if c.Storage.Supabase.URL == "" {
			errs = append(errs, "storage.supabase.url is required")
		}
		if c.Storage.Supabase.Key == "" {
			errs = append(errs, "storage.supabase.key is required")
		}
		if c.Storage.Supabase.Bucket == "" {
			errs = append(errs, "storage.supabase.bucket is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.provider %q is not one of local, s3, supabase", c.Storage.Provider))
	}
	if (c.RunPod.APIKey == "") != (c.RunPod.EndpointID == "") {
		errs = append(errs, "runpod.api_key and runpod.endpoint_id must be set together")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// PoolConfigured reports whether RunPod control-plane credentials are present.
func (c *Config) PoolConfigured() bool {
	return c.RunPod.APIKey != "" && c.RunPod.EndpointID != ""
}
