package throttle

import (
	"context"
	"log/slog"
	"time"

	"github.com/rijsilva/smartzap-dispatch/internal/domain"
)

// Config holds the pacing tunables for a sending identity.
type Config struct {
	Enabled               bool
	StartRate             float64 // messages per second on first use
	MinRate               float64
	MaxRate               float64
	IncreaseFactor        float64 // multiplicative step on success, e.g. 1.10
	DecayFactor           float64 // multiplicative step on overload, e.g. 0.5
	CooldownSeconds       int
	MinIncreaseGapSeconds int
	FloorDelay            time.Duration // fixed spacing when adaptive pacing is disabled
}

// RateStateRepo persists learned rate state per sending identity.
type RateStateRepo interface {
	Get(ctx context.Context, identity string) (*domain.RateState, error)
	Save(ctx context.Context, identity string, state *domain.RateState) error
	ReserveSlot(ctx context.Context, identity string, interval time.Duration, now time.Time) (time.Duration, error)
	Reset(ctx context.Context, identity string) error
}

// AdaptiveThrottle paces outbound sends against the provider's
// messages-per-second ceiling, learning the sustainable rate at runtime.
// Acquire never blocks: it returns the wait the caller must observe, so the
// decision logic is testable without real time.
type AdaptiveThrottle struct {
	repo   RateStateRepo
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(repo RateStateRepo, cfg Config, logger *slog.Logger) *AdaptiveThrottle {
	return &AdaptiveThrottle{
		repo:   repo,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Acquire reserves the next send slot for an identity and returns how long
// the caller must wait before sending. It never fails: on any state problem
// it falls back to conservative fixed spacing.
func (t *AdaptiveThrottle) Acquire(ctx context.Context, identity string) time.Duration {
	if !t.cfg.Enabled {
		return t.cfg.FloorDelay
	}

	st := t.loadOrInit(ctx, identity)
	interval := rateInterval(st.TargetRate)

	wait, err := t.repo.ReserveSlot(ctx, identity, interval, t.now())
	if err != nil {
		t.logger.Error("slot reservation failed, using fixed spacing", "error", err, "identity", identity)
		return interval
	}
	return wait
}

// ReportSuccess may raise the target rate toward MaxRate. Increases are
// suppressed during cooldown and rate-limited to one per MinIncreaseGapSeconds,
// and each step is bounded, never a jump to the ceiling.
func (t *AdaptiveThrottle) ReportSuccess(ctx context.Context, identity string) {
	if !t.cfg.Enabled {
		return
	}

	now := t.now()
	st := t.loadOrInit(ctx, identity)

	if st.InCooldown(now) {
		return
	}
	if st.LastIncreaseAt != nil && now.Sub(*st.LastIncreaseAt) < time.Duration(t.cfg.MinIncreaseGapSeconds)*time.Second {
		return
	}

	next := st.TargetRate * t.cfg.IncreaseFactor
	if next > t.cfg.MaxRate {
		next = t.cfg.MaxRate
	}
	if next == st.TargetRate {
		return
	}

	st.TargetRate = next
	st.LastIncreaseAt = &now
	if err := t.repo.Save(ctx, identity, st); err != nil {
		t.logger.Error("failed to save rate state", "error", err, "identity", identity)
		return
	}

	t.logger.Debug("rate increased", "identity", identity, "target_rate", st.TargetRate)
}

// ReportOverload reacts to a provider rate-limit signal: the target rate
// decays immediately (floored at MinRate) and further increases are
// suppressed until the cooldown elapses.
func (t *AdaptiveThrottle) ReportOverload(ctx context.Context, identity string, signal string) {
	if !t.cfg.Enabled {
		return
	}

	now := t.now()
	st := t.loadOrInit(ctx, identity)

	st.TargetRate *= t.cfg.DecayFactor
	if st.TargetRate < t.cfg.MinRate {
		st.TargetRate = t.cfg.MinRate
	}
	st.ExtendCooldown(now.Add(time.Duration(t.cfg.CooldownSeconds) * time.Second))
	st.LastDecreaseAt = &now

	if err := t.repo.Save(ctx, identity, st); err != nil {
		t.logger.Error("failed to save rate state", "error", err, "identity", identity)
		return
	}

	t.logger.Warn("rate decayed on overload",
		"identity", identity,
		"signal", signal,
		"target_rate", st.TargetRate,
		"cooldown_until", st.CooldownUntil,
	)
}

// Reset discards learned state for an identity; the next Acquire starts over
// from StartRate.
func (t *AdaptiveThrottle) Reset(ctx context.Context, identity string) error {
	return t.repo.Reset(ctx, identity)
}

// TargetRate exposes the current learned rate for operator inspection.
func (t *AdaptiveThrottle) TargetRate(ctx context.Context, identity string) float64 {
	return t.loadOrInit(ctx, identity).TargetRate
}

// loadOrInit returns the persisted state, reinitializing from config when the
// identity is new or its state is unreadable. The clamp keeps the invariant
// MinRate <= TargetRate <= MaxRate even if the config bounds changed since
// the state was written.
func (t *AdaptiveThrottle) loadOrInit(ctx context.Context, identity string) *domain.RateState {
	st, err := t.repo.Get(ctx, identity)
	if err != nil {
		t.logger.Error("failed to load rate state, reinitializing", "error", err, "identity", identity)
		st = nil
	}
	if st == nil {
		st = &domain.RateState{TargetRate: t.cfg.StartRate}
	}
	st.Clamp(t.cfg.MinRate, t.cfg.MaxRate)
	return st
}

func rateInterval(rate float64) time.Duration {
	if rate <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / rate)
}
