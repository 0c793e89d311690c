package domain

import "time"

// RateState is the learned sending rate for one sender identity (a WhatsApp
// phone number ID). Created lazily on first dispatch and persisted across
// campaign runs so a new run starts from what the identity can sustain.
type RateState struct {
	TargetRate     float64    `json:"target_rate"` // messages per second
	CooldownUntil  *time.Time `json:"cooldown_until,omitempty"`
	LastIncreaseAt *time.Time `json:"last_increase_at,omitempty"`
	LastDecreaseAt *time.Time `json:"last_decrease_at,omitempty"`
}

// Clamp bounds TargetRate to [min, max].
func (s *RateState) Clamp(min, max float64) {
	if s.TargetRate < min {
		s.TargetRate = min
	}
	if s.TargetRate > max {
		s.TargetRate = max
	}
}

// InCooldown reports whether rate increases are currently suppressed.
func (s *RateState) InCooldown(now time.Time) bool {
	return s.CooldownUntil != nil && now.Before(*s.CooldownUntil)
}

// ExtendCooldown sets the cooldown deadline, never moving it backwards.
func (s *RateState) ExtendCooldown(until time.Time) {
	if s.CooldownUntil == nil || until.After(*s.CooldownUntil) {
		s.CooldownUntil = &until
	}
}
