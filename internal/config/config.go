package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all process-level configuration. Per-campaign tunables
// (rates, concurrency, retries) live in SettingsStore instead, so operators
// can adjust them without a restart.
type Config struct {
	Port               string
	DatabaseURL        string
	RedisURL           string
	GraphBaseURL       string
	GraphToken         string
	WebhookVerifyToken string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		GraphBaseURL:       getEnv("GRAPH_BASE_URL", "https://graph.facebook.com/v19.0"),
		GraphToken:         getEnv("GRAPH_TOKEN", ""),
		WebhookVerifyToken: getEnv("WEBHOOK_VERIFY_TOKEN", ""),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.GraphToken == "" {
		return nil, fmt.Errorf("GRAPH_TOKEN is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}
