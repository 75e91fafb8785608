package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "https://graph.facebook.com/v19.0", cfg.GraphBaseURL)
	assert.Empty(t, cfg.RedisAddr)

	e := cfg.Engine
	assert.Equal(t, 8, e.PoolSize)
	assert.Equal(t, 256, e.QueueSize)
	assert.Equal(t, uint64(3), e.SendMaxAttempts)
	assert.Equal(t, 0.5, e.FailureThreshold)
	assert.Equal(t, 5*time.Second, e.SchedulerInterval)
	assert.Equal(t, 10, e.RateBurst)
	assert.Equal(t, 168*time.Hour, e.DedupTTL)
	assert.Equal(t, 30*time.Minute, e.SessionIdle)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SENDER_POOL_SIZE", "2")
	t.Setenv("CAMPAIGN_FAILURE_THRESHOLD", "0.9")
	t.Setenv("DB_DRIVER", "postgres")

	cfg := Load()
	assert.Equal(t, 2, cfg.Engine.PoolSize)
	assert.Equal(t, 0.9, cfg.Engine.FailureThreshold)
	assert.Equal(t, "postgres", cfg.DBDriver)
}

func TestTierParsing(t *testing.T) {
	assert.Equal(t, map[string]int{"high": 80, "low": 2}, tierInts(map[string]string{"high": "80", "low": "2", "bad": "x"}))
	assert.Equal(t, map[string]float64{"high": 40.5}, tierFloats(map[string]string{"high": "40.5", "bad": "x"}))
}
