package domain

import "time"

// CampaignAggregate holds the per-run counters shown on the dashboard.
// Each counter is incremented exactly once per first transition into the
// corresponding status, always via an atomic store-side increment.
type CampaignAggregate struct {
	CampaignID     string    `json:"campaign_id"`
	SentTotal      int       `json:"sent_total"`
	DeliveredTotal int       `json:"delivered_total"`
	ReadTotal      int       `json:"read_total"`
	FailedTotal    int       `json:"failed_total"`
	SkippedTotal   int       `json:"skipped_total"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Counter names accepted by the aggregate increment operation.
const (
	CounterSent      = "sent"
	CounterDelivered = "delivered"
	CounterRead      = "read"
	CounterFailed    = "failed"
	CounterSkipped   = "skipped"
)
