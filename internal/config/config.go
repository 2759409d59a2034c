// Package config loads runtime configuration for the render job subsystem.
package config

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds all configuration for the application. Every field is
// overridable via environment variable; defaults match spec.md §6.
type Config struct {
	// Server
	APIPort            string `env:"API_PORT, default=8080"`
	APIPrefix          string `env:"API_PREFIX, default=/api/v1"`
	BackendAPIKey      string `env:"BACKEND_API_KEY"`      // empty = no auth, dev mode
	CorsAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS"` // empty = "*", dev mode

	// Storage layout
	DataDir string `env:"DATA_DIR, default=data"`

	// ComfyUI inference backend
	ComfyBaseURL      string `env:"COMFY_BASE_URL, default=http://127.0.0.1:8188"`
	ComfyInputDir     string `env:"COMFY_INPUT_DIR, default=../ComfyUI/input"`
	ComfyWorkflowPath string `env:"COMFY_WORKFLOW_PATH, default=workflows/(API)Final_workflow.json"`

	// Cache key components
	WorkflowVersion string `env:"WORKFLOW_VERSION, default=qwen_enhancer_v1"`
	RenderPreset    string `env:"RENDER_PRESET, default=mp4_loop_v1"`

	// Timing
	RenderTimeoutSec   int `env:"RENDER_TIMEOUT_SEC, default=900"`
	PollingIntervalSec int `env:"POLLING_INTERVAL_SEC, default=3"` // reserved, see spec.md §6
	EstimatedJobSec    int `env:"ESTIMATED_JOB_SEC, default=300"`
}

// Load reads a .env file (if present) and then binds environment
// variables onto a Config via struct tags.
func Load() (*Config, error) {
	// Ignored in production where no .env file exists.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}
