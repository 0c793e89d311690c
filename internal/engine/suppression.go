package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rijsilva/smartzap-dispatch/internal/domain"
)

// SuppressionRepo persists suppression entries and opt-out state.
type SuppressionRepo interface {
	UpsertSuppression(ctx context.Context, e domain.SuppressionEntry) error
	GetActiveSuppression(ctx context.Context, recipientID string, now time.Time) (*domain.SuppressionEntry, error)
	MarkRecipientOptedOut(ctx context.Context, recipientID string) error
}

// Evaluation is the outcome of a suppression check for one failure.
type Evaluation struct {
	Suppressed  bool       `json:"suppressed"`
	RecentCount int64      `json:"recent_count"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// SuppressionEngine watches failure patterns per recipient across all
// campaigns and deactivates recipients who appear permanently undeliverable
// or who opted out. The rolling failure window lives in a Redis sorted set so
// it spans campaign runs without a dedicated failure-log table.
type SuppressionEngine struct {
	repo      SuppressionRepo
	client    *redis.Client
	logger    *slog.Logger
	window    time.Duration // lookback for qualifying failures
	threshold int64         // failures within the window that trigger suppression
	tempTTL   time.Duration // expiry for re-evaluated (non-hard) suppressions
	now       func() time.Time
	record    *redis.Script
}

// Failure-window script: drop failures older than the window, record this
// one, and return how many qualifying failures the recipient has accumulated.
var failureWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
redis.call('ZADD', key, now, member)
redis.call('EXPIRE', key, math.floor(window / 1000) + 1)

return redis.call('ZCARD', key)
`)

func NewSuppressionEngine(repo SuppressionRepo, client *redis.Client, logger *slog.Logger) *SuppressionEngine {
	return &SuppressionEngine{
		repo:      repo,
		client:    client,
		logger:    logger,
		window:    72 * time.Hour,
		threshold: 3,
		tempTTL:   30 * 24 * time.Hour,
		now:       time.Now,
		record:    failureWindowScript,
	}
}

func failureKey(recipientID string) string {
	return fmt.Sprintf("failwin:%s", recipientID)
}

// Evaluate counts a qualifying failure against the recipient's rolling window
// and suppresses once the threshold is reached. Transient and overload codes
// never qualify. Re-evaluating an already-suppressed recipient is a no-op.
func (e *SuppressionEngine) Evaluate(ctx context.Context, recipientID string, code int) (Evaluation, error) {
	if domain.ClassifyCode(code) != domain.CategoryPermanent {
		return Evaluation{}, nil
	}

	now := e.now()

	existing, err := e.repo.GetActiveSuppression(ctx, recipientID, now)
	if err != nil {
		return Evaluation{}, fmt.Errorf("checking existing suppression: %w", err)
	}
	if existing != nil {
		return Evaluation{Suppressed: true, ExpiresAt: existing.ExpiresAt}, nil
	}

	member := fmt.Sprintf("%d:%d", code, now.UnixNano())
	count, err := e.record.Run(ctx, e.client, []string{failureKey(recipientID)},
		now.UnixMilli(), e.window.Milliseconds(), member,
	).Int64()
	if err != nil {
		// Fail open: a broken window counter must not block status processing.
		e.logger.Error("failure window update failed", "error", err, "recipient_id", recipientID)
		return Evaluation{}, nil
	}

	if count < e.threshold {
		return Evaluation{RecentCount: count}, nil
	}

	entry := domain.SuppressionEntry{
		RecipientID: recipientID,
		Reason:      domain.ReasonUndeliverable,
		Source:      domain.SourceFailureThreshold,
		Metadata:    map[string]string{"last_error_code": fmt.Sprintf("%d", code)},
	}
	if !domain.IsHardUndeliverableCode(code) {
		expires := now.Add(e.tempTTL)
		entry.ExpiresAt = &expires
	}

	if err := e.repo.UpsertSuppression(ctx, entry); err != nil {
		return Evaluation{RecentCount: count}, fmt.Errorf("upserting suppression: %w", err)
	}

	e.logger.Warn("recipient suppressed",
		"recipient_id", recipientID,
		"recent_failures", count,
		"code", code,
		"permanent", entry.ExpiresAt == nil,
	)
	return Evaluation{Suppressed: true, RecentCount: count, ExpiresAt: entry.ExpiresAt}, nil
}

// OptOut marks a recipient opted out and upserts a permanent suppression.
// Used both for provider-reported opt-outs (error code) and inbound keyword
// opt-outs (conversational STOP).
func (e *SuppressionEngine) OptOut(ctx context.Context, recipientID string, source domain.SuppressionSource, metadata map[string]string) error {
	if err := e.repo.MarkRecipientOptedOut(ctx, recipientID); err != nil {
		return fmt.Errorf("marking opted out: %w", err)
	}

	entry := domain.SuppressionEntry{
		RecipientID: recipientID,
		Reason:      domain.ReasonOptOut,
		Source:      source,
		Metadata:    metadata,
	}
	if err := e.repo.UpsertSuppression(ctx, entry); err != nil {
		return fmt.Errorf("upserting opt-out suppression: %w", err)
	}

	e.logger.Info("recipient opted out", "recipient_id", recipientID, "source", source)
	return nil
}

// OptOutFromKeyword handles a conversational opt-out (e.g. the recipient
// texted STOP). Always permanent.
func (e *SuppressionEngine) OptOutFromKeyword(ctx context.Context, recipientID, keyword string) error {
	return e.OptOut(ctx, recipientID, domain.SourceInboundKeyword, map[string]string{"keyword": keyword})
}
