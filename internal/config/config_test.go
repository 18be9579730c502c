package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 10, cfg.MaxSessions)
	assert.Equal(t, time.Second, cfg.PublishTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.FrameInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.FrameBackoff)
	assert.Equal(t, 3, cfg.LoopHistory)
	assert.Equal(t, 40, cfg.MaxSteps)
	assert.True(t, cfg.UseDocker)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("PORT", "9090")
	t.Setenv("FRAME_INTERVAL", "100ms")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, ,http://b.example")
	t.Setenv("BROWSER_DOCKER", "false")
	t.Setenv("REASONING_RPS", "0.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 100*time.Millisecond, cfg.FrameInterval)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	assert.False(t, cfg.UseDocker)
	assert.InDelta(t, 0.5, cfg.ReasoningRPS, 1e-9)
}

func TestInvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("MAX_SESSIONS", "lots")
	t.Setenv("PONG_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxSessions)
	assert.Equal(t, 10*time.Second, cfg.PongTimeout)
}

func TestValidateRanges(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"zero sessions", "MAX_SESSIONS", "0"},
		{"quality too high", "FRAME_QUALITY", "101"},
		{"empty loop history", "LOOP_HISTORY", "0"},
		{"no steps", "MAX_STEPS", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
