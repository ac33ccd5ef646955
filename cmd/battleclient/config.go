package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mockmatch/mockmatch-client/internal/engine"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadConfig reads the yaml config file and applies env overrides. A missing
// file yields the defaults.
func loadConfig(path string) (engine.Config, error) {
	cfg := engine.DefaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.Conn.URL = getEnv("MOCKMATCH_WS_URL", cfg.Conn.URL)
	if n := getEnvAsInt("MOCKMATCH_MAX_RECONNECTS", cfg.Conn.MaxReconnects); n != cfg.Conn.MaxReconnects {
		cfg.Conn.MaxReconnects = n
	}
	if ms := getEnvAsInt("MOCKMATCH_GRACE_MS", 0); ms > 0 {
		cfg.GracePeriod = time.Duration(ms) * time.Millisecond
	}
	return cfg, nil
}
