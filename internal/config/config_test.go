package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, 3, cfg.WalkInSpacing)
	assert.Equal(t, 60*time.Minute, cfg.PullWindow)
	assert.Equal(t, 15*time.Minute, cfg.CutoffLead)
	assert.Equal(t, 15*time.Minute, cfg.NoShowGrace)
	assert.Equal(t, 15, cfg.ConsultationMinutes)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 2, cfg.RebalanceWorkers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WALKIN_SPACING", "5")
	t.Setenv("PULL_WINDOW", "30m")
	t.Setenv("SWEEP_INTERVAL", "15s")
	t.Setenv("REDIS_TLS", "true")

	cfg := Load()

	assert.Equal(t, 5, cfg.WalkInSpacing)
	assert.Equal(t, 30*time.Minute, cfg.PullWindow)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
	assert.True(t, cfg.RedisTLS)
}

func TestLoadCORSList(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	cfg := Load()
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("WALKIN_SPACING", "lots")
	t.Setenv("PULL_WINDOW", "soon")

	cfg := Load()

	assert.Equal(t, 3, cfg.WalkInSpacing)
	assert.Equal(t, 60*time.Minute, cfg.PullWindow)
}
