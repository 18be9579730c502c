// Package config provides environment-driven configuration for browserpilot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration values for the server.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Session registry
	MaxSessions    int
	SessionLinger  time.Duration
	DestroyGrace   time.Duration
	PublishTimeout time.Duration
	EventBuffer    int
	ObserverBuffer int

	// Frame streaming
	FrameInterval    time.Duration
	FrameBackoff     time.Duration
	FrameJoinTimeout time.Duration
	FrameQuality     int
	FrameMaxWidth    int

	// Worker
	PausePollInterval time.Duration
	MaxSteps          int
	DecideTimeout     time.Duration
	LoopHistory       int

	// Observer keepalive
	PingInterval time.Duration
	PongTimeout  time.Duration

	// Rate limiting of session creation
	RateLimitPerHour int
	RateLimitBurst   int

	// Reasoning service
	AnthropicAPIKey  string
	AnthropicModel   string
	AnthropicBaseURL string
	ReasoningRPS     float64

	// Automation engine
	UseDocker       bool
	ChromeImage     string
	PuppeteerScript string

	// Learning memory
	LearningDSN string
}

// Load reads an optional .env file and then configuration from environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using system environment variables")
	}

	cfg := &Config{
		Port:           getEnvInt("PORT", 8080),
		Host:           getEnv("HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxSessions:    getEnvInt("MAX_SESSIONS", 10),
		SessionLinger:  getEnvDuration("SESSION_LINGER", 5*time.Minute),
		DestroyGrace:   getEnvDuration("DESTROY_GRACE", 5*time.Second),
		PublishTimeout: getEnvDuration("PUBLISH_TIMEOUT", time.Second),
		EventBuffer:    getEnvInt("EVENT_BUFFER", 64),
		ObserverBuffer: getEnvInt("OBSERVER_BUFFER", 64),

		FrameInterval:    getEnvDuration("FRAME_INTERVAL", 50*time.Millisecond),
		FrameBackoff:     getEnvDuration("FRAME_BACKOFF", 500*time.Millisecond),
		FrameJoinTimeout: getEnvDuration("FRAME_JOIN_TIMEOUT", time.Second),
		FrameQuality:     getEnvInt("FRAME_QUALITY", 60),
		FrameMaxWidth:    getEnvInt("FRAME_MAX_WIDTH", 1280),

		PausePollInterval: getEnvDuration("PAUSE_POLL_INTERVAL", 250*time.Millisecond),
		MaxSteps:          getEnvInt("MAX_STEPS", 40),
		DecideTimeout:     getEnvDuration("DECIDE_TIMEOUT", 30*time.Second),
		LoopHistory:       getEnvInt("LOOP_HISTORY", 3),

		PingInterval: getEnvDuration("PING_INTERVAL", 20*time.Second),
		PongTimeout:  getEnvDuration("PONG_TIMEOUT", 10*time.Second),

		RateLimitPerHour: getEnvInt("RATE_LIMIT_PER_HOUR", 100),
		RateLimitBurst:   getEnvInt("RATE_LIMIT_BURST", 10),

		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:   getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		ReasoningRPS:     getEnvFloat("REASONING_RPS", 2),

		UseDocker:       getEnvBool("BROWSER_DOCKER", true),
		ChromeImage:     getEnv("CHROME_IMAGE", "browserless/chrome:latest"),
		PuppeteerScript: getEnv("PUPPETEER_SCRIPT", "./internal/browser/puppeteer.js"),

		LearningDSN: getEnv("LEARNING_DSN", "file:browserpilot?mode=memory&cache=shared"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.AnthropicAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be positive, got %d", c.MaxSessions)
	}
	if c.FrameQuality < 1 || c.FrameQuality > 100 {
		return fmt.Errorf("FRAME_QUALITY must be between 1 and 100, got %d", c.FrameQuality)
	}
	if c.FrameInterval <= 0 {
		return fmt.Errorf("FRAME_INTERVAL must be positive")
	}
	if c.LoopHistory < 1 {
		return fmt.Errorf("LOOP_HISTORY must be at least 1, got %d", c.LoopHistory)
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("MAX_STEPS must be positive, got %d", c.MaxSteps)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", value).Msg("invalid integer in environment, using default")
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Warn().Str("key", key).Str("value", value).Msg("invalid number in environment, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Msg("invalid duration in environment, using default")
	}
	return defaultValue
}

// getEnvStringSlice parses a comma-separated list, dropping empty entries.
func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
