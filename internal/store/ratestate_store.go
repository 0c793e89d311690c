package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rijsilva/smartzap-dispatch/internal/domain"
)

// RateStateStore keeps per-identity rate state in a Redis hash and reserves
// send slots through a Lua script, so concurrent workers sharing one identity
// always space their sends through a single atomic point.
type RateStateStore struct {
	client  *redis.Client
	logger  *slog.Logger
	reserve *redis.Script
}

// Reserve-slot script: the key holds the next free send slot in unix micros.
// 1. If the stored slot is in the past, the caller may send now
// 2. Advance the slot by one inter-message interval
// 3. Return how long the caller must wait before its slot arrives
var reserveSlotScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])

local slot = tonumber(redis.call('GET', key) or '0')
if slot < now then
    slot = now
end

redis.call('SET', key, slot + interval)
redis.call('EXPIRE', key, 3600)

return slot - now
`)

func NewRateStateStore(client *redis.Client, logger *slog.Logger) *RateStateStore {
	return &RateStateStore{
		client:  client,
		logger:  logger,
		reserve: reserveSlotScript,
	}
}

func rateKey(identity string) string {
	return fmt.Sprintf("rate:%s", identity)
}

func slotKey(identity string) string {
	return fmt.Sprintf("rate:%s:slot", identity)
}

// Get loads the rate state for an identity. Missing or malformed state
// returns nil so the controller reinitializes from config defaults.
func (s *RateStateStore) Get(ctx context.Context, identity string) (*domain.RateState, error) {
	data, err := s.client.HGetAll(ctx, rateKey(identity)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading rate state: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	rate, err := strconv.ParseFloat(data["target_rate"], 64)
	if err != nil || rate <= 0 {
		s.logger.Warn("malformed rate state, treating as first use", "identity", identity)
		return nil, nil
	}

	st := &domain.RateState{TargetRate: rate}
	st.CooldownUntil = parseMillis(data["cooldown_until"])
	st.LastIncreaseAt = parseMillis(data["last_increase_at"])
	st.LastDecreaseAt = parseMillis(data["last_decrease_at"])
	return st, nil
}

// Save persists the rate state for an identity.
func (s *RateStateStore) Save(ctx context.Context, identity string, st *domain.RateState) error {
	err := s.client.HSet(ctx, rateKey(identity),
		"target_rate", strconv.FormatFloat(st.TargetRate, 'f', -1, 64),
		"cooldown_until", formatMillis(st.CooldownUntil),
		"last_increase_at", formatMillis(st.LastIncreaseAt),
		"last_decrease_at", formatMillis(st.LastDecreaseAt),
	).Err()
	if err != nil {
		return fmt.Errorf("saving rate state: %w", err)
	}
	return nil
}

// ReserveSlot atomically claims the next send slot for an identity and
// returns how long the caller must wait before using it.
func (s *RateStateStore) ReserveSlot(ctx context.Context, identity string, interval time.Duration, now time.Time) (time.Duration, error) {
	wait, err := s.reserve.Run(ctx, s.client, []string{slotKey(identity)},
		now.UnixMicro(), interval.Microseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("reserving send slot: %w", err)
	}
	return time.Duration(wait) * time.Microsecond, nil
}

// Reset discards all learned state for an identity (operator action).
func (s *RateStateStore) Reset(ctx context.Context, identity string) error {
	if err := s.client.Del(ctx, rateKey(identity), slotKey(identity)).Err(); err != nil {
		return fmt.Errorf("resetting rate state: %w", err)
	}
	return nil
}

func parseMillis(s string) *time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

func formatMillis(t *time.Time) string {
	if t == nil {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}
