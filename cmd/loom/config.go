package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all loom server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	DefinitionsDir string `json:"definitions_dir"`
	LogLevel       string `json:"log_level"`
	LogFormat      string `json:"log_format"`
	PoolSize       int    `json:"pool_size"`
	MaxWalkSteps   int    `json:"max_walk_steps"`
	Scheduler      bool   `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		DBPath:    filepath.Join(loomDir(), "loom.db"),
		LogLevel:  "info",
		LogFormat: "text",
		Scheduler: true,
	}
}

func loomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func settingsPath() string {
	return filepath.Join(loomDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOOM_DEFINITIONS_DIR"); v != "" {
		cfg.DefinitionsDir = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOM_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("LOOM_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("LOOM_MAX_WALK_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWalkSteps = n
		}
	}
	if v := os.Getenv("LOOM_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}
