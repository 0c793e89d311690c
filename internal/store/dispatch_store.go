package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rijsilva/smartzap-dispatch/internal/domain"
)

// MarkSent upserts the dispatch record for (campaignID, recipientID) to sent.
// Returns true only when the row actually moved out of pending (or was newly
// created), so a duplicate dispatch of the same recipient never double-counts.
func (s *PostgresStore) MarkSent(ctx context.Context, campaignID, recipientID, providerMessageID, traceID string, sentAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO dispatch_records (campaign_id, recipient_id, provider_message_id, trace_id, status, sent_at)
		VALUES ($1, $2, $3, $4, 'sent', $5)
		ON CONFLICT (campaign_id, recipient_id) DO UPDATE
		SET provider_message_id = EXCLUDED.provider_message_id,
		    trace_id = EXCLUDED.trace_id,
		    status = 'sent',
		    sent_at = EXCLUDED.sent_at
		WHERE dispatch_records.status = 'pending'
	`, campaignID, recipientID, providerMessageID, traceID, sentAt)
	if err != nil {
		return false, fmt.Errorf("marking record sent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSendFailure upserts a failed record for a send attempt that never got a
// provider message ID. Guarded so an already-failed row is left untouched.
func (s *PostgresStore) MarkSendFailure(ctx context.Context, campaignID, recipientID, traceID string, perr domain.ProviderError, failedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO dispatch_records (campaign_id, recipient_id, trace_id, status, failed_at, error_code, error_title, error_message, error_category)
		VALUES ($1, $2, $3, 'failed', $4, $5, $6, $7, $8)
		ON CONFLICT (campaign_id, recipient_id) DO UPDATE
		SET status = 'failed',
		    failed_at = EXCLUDED.failed_at,
		    error_code = EXCLUDED.error_code,
		    error_title = EXCLUDED.error_title,
		    error_message = EXCLUDED.error_message,
		    error_category = EXCLUDED.error_category
		WHERE dispatch_records.status <> 'failed'
	`, campaignID, recipientID, traceID, failedAt, perr.Code, perr.Title, perr.Message, string(perr.Category))
	if err != nil {
		return false, fmt.Errorf("marking send failure: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FindByProviderMessageID returns the record a status callback belongs to,
// or nil when the message was not sent by a tracked campaign run.
func (s *PostgresStore) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.DispatchRecord, error) {
	var r domain.DispatchRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, campaign_id, recipient_id, COALESCE(provider_message_id, ''), trace_id, status,
		       sent_at, delivered_at, read_at, failed_at,
		       COALESCE(error_code, 0), COALESCE(error_title, ''), COALESCE(error_message, ''), COALESCE(error_category, ''),
		       created_at
		FROM dispatch_records WHERE provider_message_id = $1
	`, providerMessageID).Scan(
		&r.ID, &r.CampaignID, &r.RecipientID, &r.ProviderMessageID, &r.TraceID, &r.Status,
		&r.SentAt, &r.DeliveredAt, &r.ReadAt, &r.FailedAt,
		&r.ErrorCode, &r.ErrorTitle, &r.ErrorMessage, &r.ErrorCategory,
		&r.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying dispatch record: %w", err)
	}
	return &r, nil
}

// CompareAndAdvanceStatus moves a record forward along
// pending → sent → delivered → read, guarded so the update only succeeds
// while the row is still less advanced than the target status. Returns true
// when a row changed, the signal that the matching counter may increment.
func (s *PostgresStore) CompareAndAdvanceStatus(ctx context.Context, id string, to domain.Status, at time.Time) (bool, error) {
	var query string
	switch to {
	case domain.StatusSent:
		query = `UPDATE dispatch_records SET status = 'sent', sent_at = $2
		         WHERE id = $1 AND status = 'pending'`
	case domain.StatusDelivered:
		query = `UPDATE dispatch_records SET status = 'delivered', delivered_at = COALESCE(delivered_at, $2)
		         WHERE id = $1 AND status IN ('pending', 'sent')`
	case domain.StatusRead:
		query = `UPDATE dispatch_records SET status = 'read', read_at = $2
		         WHERE id = $1 AND status IN ('pending', 'sent', 'delivered')`
	default:
		return false, fmt.Errorf("cannot advance to status %q", to)
	}

	tag, err := s.pool.Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("advancing status to %s: %w", to, err)
	}
	return tag.RowsAffected() > 0, nil
}

// BackfillDeliveredAt sets delivered_at on a record whose read callback
// arrived before (or instead of) its delivered callback. Only succeeds once.
func (s *PostgresStore) BackfillDeliveredAt(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_records SET delivered_at = $2
		WHERE id = $1 AND delivered_at IS NULL AND status <> 'failed'
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("backfilling delivered_at: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed records a provider-reported failure on an existing record.
// Failed is terminal: the guard makes repeated failure callbacks no-ops.
func (s *PostgresStore) MarkFailed(ctx context.Context, id string, perr domain.ProviderError, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_records
		SET status = 'failed', failed_at = $2,
		    error_code = $3, error_title = $4, error_message = $5, error_category = $6
		WHERE id = $1 AND status <> 'failed'
	`, id, at, perr.Code, perr.Title, perr.Message, string(perr.Category))
	if err != nil {
		return false, fmt.Errorf("marking record failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
