// Package config provides application configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	Port             string `env:"PORT" envDefault:"8080"`
	FrontendURL      string `env:"FRONTEND_URL"`
	DBPath           string `env:"DB_PATH" envDefault:"./data/oralexam.db"`
	UserHeader       string `env:"AUTH_USER_HEADER" envDefault:"X-Authenticated-User"`
	SessionTablePath string `env:"SESSION_TABLE_PATH"`
	// PendingAnswerTTL is how long an undecided answer is kept before it is cancelled.
	PendingAnswerTTL time.Duration `env:"PENDING_ANSWER_TTL" envDefault:"30m"`

	AI        AIConfig        `envPrefix:"AI_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`
	Recording RecordingConfig `envPrefix:"RECORDING_"`
	Upload    UploadConfig    `envPrefix:"UPLOAD_"`
	Telemetry TelemetryConfig `envPrefix:"OTEL_"`
}

// AIConfig selects and addresses the transcription and evaluation engines.
type AIConfig struct {
	Mode             string        `env:"MODE" envDefault:"HTTP"`
	TranscriptionURL string        `env:"TRANSCRIPTION_URL"`
	EvaluationURL    string        `env:"EVALUATION_URL"`
	GRPCAddr         string        `env:"EVALUATION_GRPC_ADDR"`
	APIKey           string        `env:"API_KEY"`
	Language         string        `env:"LANGUAGE" envDefault:"en"`
	Timeout          time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

// RateLimitConfig controls per-caller limits on AI calls.
type RateLimitConfig struct {
	// Backend is "memory" or "sqlite". sqlite shares counters between replicas.
	Backend          string        `env:"BACKEND" envDefault:"memory"`
	Transcribe       int           `env:"TRANSCRIBE" envDefault:"20"`
	Evaluate         int           `env:"EVALUATE" envDefault:"20"`
	Window           time.Duration `env:"WINDOW" envDefault:"1m"`
	SweepProbability float64       `env:"SWEEP_PROBABILITY" envDefault:"0.01"`
	MemoryCapacity   int           `env:"MEMORY_CAPACITY" envDefault:"100000"`
}

// RecordingConfig bounds a single answer recording.
type RecordingConfig struct {
	MaxDuration time.Duration `env:"MAX_DURATION" envDefault:"90s"`
	MaxBytes    int           `env:"MAX_BYTES" envDefault:"10485760"`
}

// UploadConfig controls the retry policy of an answer submission.
type UploadConfig struct {
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	AttemptTimeout  time.Duration `env:"ATTEMPT_TIMEOUT" envDefault:"30s"`
	InitialBackoff  time.Duration `env:"INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff      time.Duration `env:"MAX_BACKOFF" envDefault:"15s"`
	AIBackoffFactor float64       `env:"AI_BACKOFF_FACTOR" envDefault:"3"`
}

// TelemetryConfig enables OTLP tracing when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `env:"EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"oralexam"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.AI.Mode = strings.ToUpper(strings.TrimSpace(cfg.AI.Mode))
	cfg.RateLimit.Backend = strings.ToLower(strings.TrimSpace(cfg.RateLimit.Backend))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.AI.Mode {
	case "HTTP":
		if c.AI.TranscriptionURL == "" || c.AI.EvaluationURL == "" {
			return fmt.Errorf("AI_TRANSCRIPTION_URL and AI_EVALUATION_URL are required when AI_MODE=HTTP")
		}
	case "GRPC":
		if c.AI.TranscriptionURL == "" || c.AI.GRPCAddr == "" {
			return fmt.Errorf("AI_TRANSCRIPTION_URL and AI_EVALUATION_GRPC_ADDR are required when AI_MODE=GRPC")
		}
	case "MOCK":
	default:
		return fmt.Errorf("AI_MODE must be HTTP, GRPC or MOCK, got %q", c.AI.Mode)
	}
	if c.AI.Timeout <= 0 {
		return fmt.Errorf("AI_TIMEOUT must be > 0")
	}
	switch c.RateLimit.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be memory or sqlite, got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Transcribe <= 0 || c.RateLimit.Evaluate <= 0 {
		return fmt.Errorf("RATE_LIMIT_TRANSCRIBE and RATE_LIMIT_EVALUATE must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.RateLimit.SweepProbability < 0 || c.RateLimit.SweepProbability > 1 {
		return fmt.Errorf("RATE_LIMIT_SWEEP_PROBABILITY must be in [0,1]")
	}
	if c.Recording.MaxDuration <= 0 || c.Recording.MaxBytes <= 0 {
		return fmt.Errorf("RECORDING_MAX_DURATION and RECORDING_MAX_BYTES must be > 0")
	}
	if c.PendingAnswerTTL <= 0 {
		return fmt.Errorf("PENDING_ANSWER_TTL must be > 0")
	}
	if c.Upload.MaxAttempts <= 0 {
		return fmt.Errorf("UPLOAD_MAX_ATTEMPTS must be > 0")
	}
	if c.Upload.AttemptTimeout <= 0 {
		return fmt.Errorf("UPLOAD_ATTEMPT_TIMEOUT must be > 0")
	}
	if c.Upload.AIBackoffFactor < 1 {
		return fmt.Errorf("UPLOAD_AI_BACKOFF_FACTOR must be >= 1")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}
