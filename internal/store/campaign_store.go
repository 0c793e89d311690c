package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rijsilva/smartzap-dispatch/internal/domain"
)

// Whitelist of counter columns; counters only ever move by atomic increments,
// never by read-modify-write from application memory.
var aggregateColumns = map[string]string{
	domain.CounterSent:      "sent_total",
	domain.CounterDelivered: "delivered_total",
	domain.CounterRead:      "read_total",
	domain.CounterFailed:    "failed_total",
	domain.CounterSkipped:   "skipped_total",
}

// EnsureAggregate creates the counter row for a campaign if it doesn't exist.
func (s *PostgresStore) EnsureAggregate(ctx context.Context, campaignID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO campaign_aggregates (campaign_id) VALUES ($1)
		ON CONFLICT (campaign_id) DO NOTHING
	`, campaignID)
	if err != nil {
		return fmt.Errorf("ensuring campaign aggregate: %w", err)
	}
	return nil
}

// IncrementAggregate atomically bumps one counter by 1.
func (s *PostgresStore) IncrementAggregate(ctx context.Context, campaignID, counter string) error {
	col, ok := aggregateColumns[counter]
	if !ok {
		return fmt.Errorf("unknown aggregate counter %q", counter)
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO campaign_aggregates (campaign_id, %s) VALUES ($1, 1)
		ON CONFLICT (campaign_id) DO UPDATE
		SET %s = campaign_aggregates.%s + 1, updated_at = NOW()
	`, col, col, col), campaignID)
	if err != nil {
		return fmt.Errorf("incrementing %s: %w", counter, err)
	}
	return nil
}

// GetAggregate returns the counters for a campaign, or nil if none exist yet.
func (s *PostgresStore) GetAggregate(ctx context.Context, campaignID string) (*domain.CampaignAggregate, error) {
	var a domain.CampaignAggregate
	err := s.pool.QueryRow(ctx, `
		SELECT campaign_id, sent_total, delivered_total, read_total, failed_total, skipped_total, updated_at
		FROM campaign_aggregates WHERE campaign_id = $1
	`, campaignID).Scan(
		&a.CampaignID, &a.SentTotal, &a.DeliveredTotal, &a.ReadTotal,
		&a.FailedTotal, &a.SkippedTotal, &a.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying campaign aggregate: %w", err)
	}
	return &a, nil
}
