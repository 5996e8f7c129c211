package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	assert.NotEmpty(t, cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.True(t, cfg.Scheduler)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("LOOM_DB_PATH", "/tmp/test-loom.db")
	t.Setenv("LOOM_LOG_LEVEL", "debug")
	t.Setenv("LOOM_LOG_FORMAT", "json")
	t.Setenv("LOOM_POOL_SIZE", "16")
	t.Setenv("LOOM_MAX_WALK_STEPS", "500")
	t.Setenv("LOOM_SCHEDULER", "false")

	cfg := loadConfig()

	assert.Equal(t, "/tmp/test-loom.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 16, cfg.PoolSize)
	assert.Equal(t, 500, cfg.MaxWalkSteps)
	assert.False(t, cfg.Scheduler)
}

func TestLoadConfigBadNumbersIgnored(t *testing.T) {
	t.Setenv("LOOM_POOL_SIZE", "not-a-number")

	cfg := loadConfig()
	assert.Equal(t, defaultConfig().PoolSize, cfg.PoolSize)
}

func TestLoadConfigSchedulerFlagForms(t *testing.T) {
	t.Setenv("LOOM_SCHEDULER", "1")
	assert.True(t, loadConfig().Scheduler)

	t.Setenv("LOOM_SCHEDULER", "0")
	assert.False(t, loadConfig().Scheduler)
}
