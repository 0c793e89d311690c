package config

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rijsilva/smartzap-dispatch/internal/throttle"
)

const settingsKey = "dispatch:settings"

// DispatchSettings are the runtime tunables for campaign sending. Operators
// adjust them through the settings Redis hash; anything unset there falls
// back to the environment, then to the built-in default.
type DispatchSettings struct {
	ThrottleEnabled       bool
	StartRate             float64
	MinRate               float64
	MaxRate               float64
	CooldownSeconds       int
	MinIncreaseGapSeconds int

	Concurrency   int
	BatchSize     int
	FloorDelayMS  int
	RetryCount    int
	RetryDelayMS  int
	SendTimeoutMS int
}

// ThrottleConfig converts the settings into the pacing configuration.
func (s DispatchSettings) ThrottleConfig() throttle.Config {
	return throttle.Config{
		Enabled:               s.ThrottleEnabled,
		StartRate:             s.StartRate,
		MinRate:               s.MinRate,
		MaxRate:               s.MaxRate,
		IncreaseFactor:        1.10,
		DecayFactor:           0.5,
		CooldownSeconds:       s.CooldownSeconds,
		MinIncreaseGapSeconds: s.MinIncreaseGapSeconds,
		FloorDelay:            time.Duration(s.FloorDelayMS) * time.Millisecond,
	}
}

// RetryDelay is the pause before retrying a transient send failure.
func (s DispatchSettings) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMS) * time.Millisecond
}

// SendTimeout bounds one provider API call.
func (s DispatchSettings) SendTimeout() time.Duration {
	return time.Duration(s.SendTimeoutMS) * time.Millisecond
}

// SettingsStore loads dispatch settings with Redis-hash overrides.
type SettingsStore struct {
	client *redis.Client
	logger *slog.Logger
}

func NewSettingsStore(client *redis.Client, logger *slog.Logger) *SettingsStore {
	return &SettingsStore{client: client, logger: logger}
}

// Load resolves the current settings. A missing hash or a missing field is
// normal; a Redis error falls back to env/defaults with a log line so a
// degraded Redis never blocks dispatching.
func (s *SettingsStore) Load(ctx context.Context) DispatchSettings {
	overrides, err := s.client.HGetAll(ctx, settingsKey).Result()
	if err != nil {
		s.logger.Error("failed to load dispatch settings, using defaults", "error", err)
		overrides = nil
	}

	return DispatchSettings{
		ThrottleEnabled:       resolveBool(overrides, "throttle_enabled", getEnvBool("THROTTLE_ENABLED", true)),
		StartRate:             resolveFloat(overrides, "start_rate", getEnvFloat("THROTTLE_START_RATE", 10)),
		MinRate:               resolveFloat(overrides, "min_rate", getEnvFloat("THROTTLE_MIN_RATE", 1)),
		MaxRate:               resolveFloat(overrides, "max_rate", getEnvFloat("THROTTLE_MAX_RATE", 80)),
		CooldownSeconds:       resolveInt(overrides, "cooldown_seconds", getEnvInt("THROTTLE_COOLDOWN_SECONDS", 60)),
		MinIncreaseGapSeconds: resolveInt(overrides, "min_increase_gap_seconds", getEnvInt("THROTTLE_MIN_INCREASE_GAP_SECONDS", 30)),
		Concurrency:           resolveInt(overrides, "concurrency", getEnvInt("SEND_CONCURRENCY", 4)),
		BatchSize:             resolveInt(overrides, "batch_size", getEnvInt("SEND_BATCH_SIZE", 100)),
		FloorDelayMS:          resolveInt(overrides, "floor_delay_ms", getEnvInt("SEND_FLOOR_DELAY_MS", 1000)),
		RetryCount:            resolveInt(overrides, "retry_count", getEnvInt("SEND_RETRY_COUNT", 2)),
		RetryDelayMS:          resolveInt(overrides, "retry_delay_ms", getEnvInt("SEND_RETRY_DELAY_MS", 2000)),
		SendTimeoutMS:         resolveInt(overrides, "send_timeout_ms", getEnvInt("SEND_TIMEOUT_MS", 8000)),
	}
}

// Set writes one override field after validating its name.
func (s *SettingsStore) Set(ctx context.Context, field, value string) error {
	if !settingsFields[field] {
		return fmt.Errorf("unknown settings field: %s", field)
	}
	if err := s.client.HSet(ctx, settingsKey, field, value).Err(); err != nil {
		return fmt.Errorf("saving settings field %s: %w", field, err)
	}
	return nil
}

var settingsFields = map[string]bool{
	"throttle_enabled":         true,
	"start_rate":               true,
	"min_rate":                 true,
	"max_rate":                 true,
	"cooldown_seconds":         true,
	"min_increase_gap_seconds": true,
	"concurrency":              true,
	"batch_size":               true,
	"floor_delay_ms":           true,
	"retry_count":              true,
	"retry_delay_ms":           true,
	"send_timeout_ms":          true,
}

func resolveInt(overrides map[string]string, field string, fallback int) int {
	if val, ok := overrides[field]; ok {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func resolveFloat(overrides map[string]string, field string, fallback float64) float64 {
	if val, ok := overrides[field]; ok {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
	}
	return fallback
}

func resolveBool(overrides map[string]string, field string, fallback bool) bool {
	if val, ok := overrides[field]; ok {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}
