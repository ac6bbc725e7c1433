// Package config loads configuration from environment variables and .env files.
package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the relay service.
type Config struct {
	// Server
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// CORS
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	// Remote LLM endpoint. LLMAPIKey absent means every submit request fails
	// with a credentials error before any network call.
	LLMAPIKey         string        `env:"LLM_API_KEY"`
	LLMBaseURL        string        `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMModel          string        `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMRequestTimeout time.Duration `env:"LLM_REQUEST_TIMEOUT" envDefault:"5m"`

	// Conversation log store. DatabaseURL set switches from the flat-file
	// store to Postgres.
	ConversationLogDir string `env:"CONVERSATION_LOG_DIR" envDefault:"logs"`
	DatabaseURL        string `env:"DATABASE_URL"`

	// Reference fetching
	FetchReferenceContent bool          `env:"FETCH_REFERENCE_CONTENT" envDefault:"false"`
	FetchHeadless         bool          `env:"FETCH_HEADLESS" envDefault:"false"`
	FetchTimeout          time.Duration `env:"FETCH_TIMEOUT" envDefault:"15s"`

	// Inbound auth. APIKey empty disables authentication entirely.
	APIKey    string        `env:"API_KEY"`
	JWTSecret string        `env:"JWT_SECRET" envDefault:"change-this-in-production"`
	JWTExpiry time.Duration `env:"JWT_EXPIRY" envDefault:"24h"`
}

// AuthEnabled reports whether inbound authentication is configured.
func (c *Config) AuthEnabled() bool {
	return c.APIKey != ""
}

// Load loads configuration from .env file (if present) and environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
