package domain

import "time"

// SuppressionReason enumerates why a recipient was suppressed.
type SuppressionReason string

const (
	ReasonUndeliverable SuppressionReason = "undeliverable"
	ReasonOptOut        SuppressionReason = "opt_out"
)

// SuppressionSource indicates where the suppression signal originated.
type SuppressionSource string

const (
	SourceFailureThreshold SuppressionSource = "failure-threshold"
	SourceProviderReported SuppressionSource = "provider-reported"
	SourceInboundKeyword   SuppressionSource = "inbound-keyword"
)

// SuppressionEntry stops outbound sends to a recipient across all campaigns.
// At most one active entry exists per recipient; a nil ExpiresAt means the
// suppression is permanent.
type SuppressionEntry struct {
	ID          string            `json:"id"`
	RecipientID string            `json:"recipient_id"`
	Reason      SuppressionReason `json:"reason"`
	Source      SuppressionSource `json:"source"`
	IsActive    bool              `json:"is_active"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
