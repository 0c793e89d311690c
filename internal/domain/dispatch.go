package domain

import "time"

// Status is the delivery lifecycle of one recipient within a campaign run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusOrder = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Order returns the forward-only position of a status, or -1 for failed and
// unrecognized statuses. Failed is absorbing and handled outside the ordering.
func (s Status) Order() int {
	if o, ok := statusOrder[s]; ok {
		return o
	}
	return -1
}

// ParseStatus maps a provider callback status string to a Status.
// Unknown strings return ok=false and must be ignored by the caller.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return Status(s), true
	}
	return "", false
}

// DispatchRecord tracks a single recipient of a campaign run, keyed by
// (campaign_id, recipient_id). The worker pool owns the pending→sent
// transition; everything after is driven by provider status callbacks.
type DispatchRecord struct {
	ID                string     `json:"id"`
	CampaignID        string     `json:"campaign_id"`
	RecipientID       string     `json:"recipient_id"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	TraceID           string     `json:"trace_id"`
	Status            Status     `json:"status"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	ReadAt            *time.Time `json:"read_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	ErrorCode         int        `json:"error_code,omitempty"`
	ErrorTitle        string     `json:"error_title,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	ErrorCategory     string     `json:"error_category,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}
