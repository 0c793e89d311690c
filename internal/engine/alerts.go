package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rijsilva/smartzap-dispatch/internal/domain"
)

// Alert categories an operator can act on.
const (
	AlertCategoryBilling = "billing"
	AlertCategoryAuth    = "auth"
	AlertCategoryAccount = "account"
)

// AccountAlert is one active operator-facing alert.
type AccountAlert struct {
	Category string    `json:"category"`
	Code     int       `json:"code"`
	Message  string    `json:"message"`
	RaisedAt time.Time `json:"raised_at"`
}

// AccountAlertSink keeps a small set of active operator alerts in Redis,
// keyed by category. Entries auto-expire, and recovery signals (a successful
// delivery, a passing health check) dismiss them early. Strictly best-effort:
// no method returns an error to the caller.
type AccountAlertSink struct {
	client *redis.Client
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

func NewAccountAlertSink(client *redis.Client, logger *slog.Logger) *AccountAlertSink {
	return &AccountAlertSink{
		client: client,
		logger: logger,
		ttl:    24 * time.Hour,
		now:    time.Now,
	}
}

func alertKey(category string) string {
	return fmt.Sprintf("alert:%s", category)
}

// alertCategoryFor maps a critical error code to its operator-facing bucket.
func alertCategoryFor(code int) string {
	switch code {
	case domain.CodePaymentIssue:
		return AlertCategoryBilling
	case 0, 3, 10, domain.CodeTokenExpired:
		return AlertCategoryAuth
	default:
		return AlertCategoryAccount
	}
}

// RaiseIfCritical raises (or refreshes) the alert for a critical failure.
// Non-critical categories are ignored.
func (s *AccountAlertSink) RaiseIfCritical(ctx context.Context, perr domain.ProviderError) {
	if perr.Category != domain.CategoryCritical {
		return
	}

	alert := AccountAlert{
		Category: alertCategoryFor(perr.Code),
		Code:     perr.Code,
		Message:  perr.Message,
		RaisedAt: s.now(),
	}

	data, err := json.Marshal(alert)
	if err != nil {
		s.logger.Error("failed to marshal alert", "error", err)
		return
	}

	if err := s.client.Set(ctx, alertKey(alert.Category), data, s.ttl).Err(); err != nil {
		s.logger.Error("failed to raise alert", "error", err, "category", alert.Category)
		return
	}

	s.logger.Warn("account alert raised",
		"category", alert.Category,
		"code", alert.Code,
		"message", alert.Message,
	)
}

// Clear dismisses the active alert for a category, if any.
func (s *AccountAlertSink) Clear(ctx context.Context, category string) {
	n, err := s.client.Del(ctx, alertKey(category)).Result()
	if err != nil {
		s.logger.Error("failed to clear alert", "error", err, "category", category)
		return
	}
	if n > 0 {
		s.logger.Info("account alert cleared", "category", category)
	}
}

// Active lists the currently raised alerts.
func (s *AccountAlertSink) Active(ctx context.Context) []AccountAlert {
	var alerts []AccountAlert
	for _, category := range []string{AlertCategoryBilling, AlertCategoryAuth, AlertCategoryAccount} {
		data, err := s.client.Get(ctx, alertKey(category)).Bytes()
		if err != nil {
			if err != redis.Nil {
				s.logger.Error("failed to read alert", "error", err, "category", category)
			}
			continue
		}
		var a AccountAlert
		if err := json.Unmarshal(data, &a); err != nil {
			s.logger.Error("failed to decode alert", "error", err, "category", category)
			continue
		}
		alerts = append(alerts, a)
	}
	if alerts == nil {
		alerts = []AccountAlert{}
	}
	return alerts
}
