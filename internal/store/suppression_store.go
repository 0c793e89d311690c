package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rijsilva/smartzap-dispatch/internal/domain"
)

// UpsertSuppression creates or refreshes the single active suppression entry
// for a recipient. A permanent entry (expires_at IS NULL) is never downgraded
// to a temporary one by a later upsert.
func (s *PostgresStore) UpsertSuppression(ctx context.Context, e domain.SuppressionEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO suppression_entries (recipient_id, reason, source, is_active, expires_at, metadata)
		VALUES ($1, $2, $3, true, $4, $5)
		ON CONFLICT (recipient_id) WHERE is_active DO UPDATE
		SET reason = EXCLUDED.reason,
		    source = EXCLUDED.source,
		    expires_at = CASE
		        WHEN suppression_entries.expires_at IS NULL THEN NULL
		        ELSE EXCLUDED.expires_at
		    END,
		    metadata = EXCLUDED.metadata,
		    updated_at = NOW()
	`, e.RecipientID, string(e.Reason), string(e.Source), e.ExpiresAt, e.Metadata)
	if err != nil {
		return fmt.Errorf("upserting suppression entry: %w", err)
	}
	return nil
}

// GetActiveSuppression returns the active, unexpired entry for a recipient,
// or nil when the recipient is sendable.
func (s *PostgresStore) GetActiveSuppression(ctx context.Context, recipientID string, now time.Time) (*domain.SuppressionEntry, error) {
	var e domain.SuppressionEntry
	err := s.pool.QueryRow(ctx, `
		SELECT id, recipient_id, reason, source, is_active, expires_at, created_at, updated_at
		FROM suppression_entries
		WHERE recipient_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > $2)
	`, recipientID, now).Scan(
		&e.ID, &e.RecipientID, &e.Reason, &e.Source, &e.IsActive,
		&e.ExpiresAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying suppression entry: %w", err)
	}
	return &e, nil
}

// IsSuppressed reports whether sends to a recipient must be skipped.
func (s *PostgresStore) IsSuppressed(ctx context.Context, recipientID string, now time.Time) (bool, error) {
	var suppressed bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM suppression_entries
			WHERE recipient_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > $2)
		)
	`, recipientID, now).Scan(&suppressed)
	if err != nil {
		return false, fmt.Errorf("checking suppression: %w", err)
	}
	return suppressed, nil
}

// MarkRecipientOptedOut flags a contact as opted out. The contact row is
// created if the dashboard hasn't synced it yet.
func (s *PostgresStore) MarkRecipientOptedOut(ctx context.Context, recipientID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contacts (id, opted_out, opted_out_at)
		VALUES ($1, true, NOW())
		ON CONFLICT (id) DO UPDATE SET opted_out = true, opted_out_at = NOW()
	`, recipientID)
	if err != nil {
		return fmt.Errorf("marking recipient opted out: %w", err)
	}
	return nil
}
