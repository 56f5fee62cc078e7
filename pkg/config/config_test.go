package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "strict", cfg.Security.Policy)
	assert.Equal(t, 4, cfg.Queue.PriorityBands)
	assert.Equal(t, 12, cfg.Deploy.HealthSamples)
	assert.Equal(t, 10, cfg.Deploy.MinSuccess)
	assert.Equal(t, 3, cfg.Deploy.MaxConsecutiveFailures)
	assert.InDelta(t, 1.0/3.0, cfg.Lock.RenewFraction, 1e-9)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caravel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis_addr: 10.0.0.5:6379
workers: 4
security:
  policy: balanced
deploy:
  health_samples: 6
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	// Overridden values.
	assert.Equal(t, "10.0.0.5:6379", cfg.RedisAddr)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "balanced", cfg.Security.Policy)
	assert.Equal(t, 6, cfg.Deploy.HealthSamples)

	// Untouched sections keep their defaults.
	assert.Equal(t, 10*time.Minute, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, "/var/lib/caravel", cfg.DataDir)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/caravel.yaml")
	assert.Error(t, err)
}

func TestValidateRejectsBadOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bands too high", func(c *Config) { c.Queue.PriorityBands = 9 }},
		{"bands zero", func(c *Config) { c.Queue.PriorityBands = 0 }},
		{"unknown policy", func(c *Config) { c.Security.Policy = "lenient" }},
		{"unknown overflow", func(c *Config) { c.Events.OverflowPolicy = "block" }},
		{"renew fraction one", func(c *Config) { c.Lock.RenewFraction = 1 }},
		{"canary weight off-menu", func(c *Config) { c.Canary.Stages[0].Weight = 15 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateClampsCanaryDurations(t *testing.T) {
	cfg := Default()
	cfg.Canary.Stages = []CanaryStage{
		{Weight: 10, Duration: 5 * time.Second},
		{Weight: 50, Duration: 2 * time.Hour},
		{Weight: 100, Duration: 0},
	}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, time.Minute, cfg.Canary.Stages[0].Duration)
	assert.Equal(t, 30*time.Minute, cfg.Canary.Stages[1].Duration)
	// The final full-traffic stage may be instantaneous.
	assert.Equal(t, time.Duration(0), cfg.Canary.Stages[2].Duration)
}
