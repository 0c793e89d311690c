package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rijsilva/smartzap-dispatch/internal/domain"
)

// StatusEvent is one inbound provider status callback, already parsed by the
// webhook layer. Error is set only when Status is failed.
type StatusEvent struct {
	ProviderMessageID string
	Status            domain.Status
	Timestamp         time.Time
	Error             *domain.ProviderError
}

// DispatchRepo is the slice of persistence the processor needs. Every state
// transition is a single conditional operation whose bool return says whether
// a row actually changed. That bool is the at-most-once mechanism.
type DispatchRepo interface {
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.DispatchRecord, error)
	CompareAndAdvanceStatus(ctx context.Context, id string, to domain.Status, at time.Time) (bool, error)
	BackfillDeliveredAt(ctx context.Context, id string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, perr domain.ProviderError, at time.Time) (bool, error)
}

// AggregateRepo bumps campaign counters atomically.
type AggregateRepo interface {
	IncrementAggregate(ctx context.Context, campaignID, counter string) error
}

// Processor applies inbound status callbacks to dispatch records and campaign
// aggregates. Callbacks arrive concurrently, out of order and at least once;
// the conditional-update-then-increment pattern makes every meaningful
// transition take effect exactly once.
type Processor struct {
	records    DispatchRepo
	aggregates AggregateRepo
	notifier   *Notifier
	logger     *slog.Logger
}

func NewProcessor(records DispatchRepo, aggregates AggregateRepo, notifier *Notifier, logger *slog.Logger) *Processor {
	return &Processor{
		records:    records,
		aggregates: aggregates,
		notifier:   notifier,
		logger:     logger,
	}
}

// Process applies one callback. It returns an error only when the primary
// status update could not be persisted; the webhook source redelivers on
// error, and reprocessing is safe. Side-effect failures are never propagated.
func (p *Processor) Process(ctx context.Context, ev StatusEvent) error {
	rec, err := p.records.FindByProviderMessageID(ctx, ev.ProviderMessageID)
	if err != nil {
		return fmt.Errorf("looking up dispatch record: %w", err)
	}
	if rec == nil {
		// Not a tracked campaign send (e.g. a session message), not an error.
		p.logger.Debug("callback for untracked message", "provider_message_id", ev.ProviderMessageID)
		return nil
	}

	if ev.Status == domain.StatusFailed {
		return p.processFailure(ctx, rec, ev)
	}

	if rec.Status == domain.StatusFailed {
		// Failed is absorbing: late delivered/read callbacks change nothing.
		p.logger.Debug("callback after terminal failure",
			"provider_message_id", ev.ProviderMessageID,
			"status", ev.Status,
		)
		return nil
	}

	if ev.Status.Order() <= rec.Status.Order() {
		// Duplicate or out-of-order redelivery, harmless.
		p.logger.Debug("duplicate status callback",
			"provider_message_id", ev.ProviderMessageID,
			"current", rec.Status,
			"received", ev.Status,
		)
		return nil
	}

	// A read receipt implies the message was delivered even if the delivered
	// callback never arrives. Backfill delivered_at first; the conditional
	// update guarantees delivered_total moves at most once per record no
	// matter how delivered and read interleave.
	if ev.Status == domain.StatusRead && rec.DeliveredAt == nil {
		backfilled, err := p.records.BackfillDeliveredAt(ctx, rec.ID, ev.Timestamp)
		if err != nil {
			return fmt.Errorf("backfilling delivered: %w", err)
		}
		if backfilled {
			p.increment(ctx, rec.CampaignID, domain.CounterDelivered)
		}
	}

	changed, err := p.records.CompareAndAdvanceStatus(ctx, rec.ID, ev.Status, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("advancing status: %w", err)
	}
	if !changed {
		// A concurrent handler won the race for this transition.
		return nil
	}

	p.increment(ctx, rec.CampaignID, counterFor(ev.Status))
	p.notifier.Notify(ctx, rec, ev)
	return nil
}

// processFailure handles the absorbing failed state. The callback is always
// processed (failed can arrive after sent or delivered) but the counter and
// the fan-out fire only for the transition that actually landed.
func (p *Processor) processFailure(ctx context.Context, rec *domain.DispatchRecord, ev StatusEvent) error {
	// -1 is the no-provider-code sentinel and classifies as unknown; 0 is a
	// real Graph code (auth exception) and must not be synthesized here.
	perr := domain.NewProviderError(-1, "unknown", "provider reported failure without detail")
	if ev.Error != nil {
		perr = *ev.Error
	}

	changed, err := p.records.MarkFailed(ctx, rec.ID, perr, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("marking record failed: %w", err)
	}
	if !changed {
		p.logger.Debug("duplicate failure callback", "provider_message_id", ev.ProviderMessageID)
		return nil
	}

	p.increment(ctx, rec.CampaignID, domain.CounterFailed)
	p.logger.Warn("delivery failed",
		"campaign_id", rec.CampaignID,
		"recipient_id", rec.RecipientID,
		"code", perr.Code,
		"category", perr.Category,
		"trace_id", rec.TraceID,
	)

	ev.Error = &perr
	p.notifier.Notify(ctx, rec, ev)
	return nil
}

// increment is deliberately non-fatal: the primary transition already
// committed, and failing the whole callback here would make the redelivered
// callback a guaranteed no-op with the count lost anyway.
func (p *Processor) increment(ctx context.Context, campaignID, counter string) {
	if err := p.aggregates.IncrementAggregate(ctx, campaignID, counter); err != nil {
		p.logger.Error("failed to increment aggregate",
			"error", err,
			"campaign_id", campaignID,
			"counter", counter,
		)
	}
}

func counterFor(s domain.Status) string {
	switch s {
	case domain.StatusSent:
		return domain.CounterSent
	case domain.StatusDelivered:
		return domain.CounterDelivered
	case domain.StatusRead:
		return domain.CounterRead
	default:
		return domain.CounterFailed
	}
}
