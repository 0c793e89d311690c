package engine

import (
	"context"
	"log/slog"

	"github.com/rijsilva/smartzap-dispatch/internal/domain"
)

// TransitionHook receives a status transition after it has been persisted.
// Hooks are best-effort: whatever they do must never affect the primary
// transition, so panics are recovered and errors stay inside the hook.
type TransitionHook func(ctx context.Context, rec *domain.DispatchRecord, ev StatusEvent)

type namedHook struct {
	name string
	fn   TransitionHook
}

// Notifier fans a persisted transition out to its downstream consequences
// (alerting, suppression, progress broadcast) without letting any of them
// fail or block the caller.
type Notifier struct {
	hooks  []namedHook
	logger *slog.Logger
}

func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{logger: logger}
}

// Register adds a hook. Not safe for concurrent use; wire all hooks at startup.
func (n *Notifier) Register(name string, fn TransitionHook) {
	n.hooks = append(n.hooks, namedHook{name: name, fn: fn})
}

// Notify runs every hook in order, swallowing panics. The upstream callback
// source redelivers the whole event on ambiguous outcomes, so hooks must be
// idempotent rather than retried here.
func (n *Notifier) Notify(ctx context.Context, rec *domain.DispatchRecord, ev StatusEvent) {
	for _, h := range n.hooks {
		n.run(ctx, h, rec, ev)
	}
}

func (n *Notifier) run(ctx context.Context, h namedHook, rec *domain.DispatchRecord, ev StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("transition hook panicked",
				"hook", h.name,
				"panic", r,
				"provider_message_id", ev.ProviderMessageID,
			)
		}
	}()
	h.fn(ctx, rec, ev)
}

// FailureHook classifies a terminal failure and feeds the account alert sink,
// the suppression engine, and opt-out marking. Every step is best-effort.
func FailureHook(alerts *AccountAlertSink, suppressions *SuppressionEngine, logger *slog.Logger) TransitionHook {
	return func(ctx context.Context, rec *domain.DispatchRecord, ev StatusEvent) {
		if ev.Status != domain.StatusFailed || ev.Error == nil {
			return
		}
		perr := *ev.Error

		alerts.RaiseIfCritical(ctx, perr)

		if domain.IsOptOutCode(perr.Code) {
			if err := suppressions.OptOut(ctx, rec.RecipientID, domain.SourceProviderReported, nil); err != nil {
				logger.Error("opt-out marking failed", "error", err, "recipient_id", rec.RecipientID)
			}
			return
		}

		if _, err := suppressions.Evaluate(ctx, rec.RecipientID, perr.Code); err != nil {
			logger.Error("suppression evaluation failed", "error", err, "recipient_id", rec.RecipientID)
		}
	}
}

// RecoveryHook clears the billing alert when a message is delivered:
// successful delivery is evidence the account's payment state is healthy.
func RecoveryHook(alerts *AccountAlertSink) TransitionHook {
	return func(ctx context.Context, _ *domain.DispatchRecord, ev StatusEvent) {
		if ev.Status != domain.StatusDelivered {
			return
		}
		alerts.Clear(ctx, AlertCategoryBilling)
	}
}

// AggregateReader reads the current counters for the progress broadcast.
type AggregateReader interface {
	GetAggregate(ctx context.Context, campaignID string) (*domain.CampaignAggregate, error)
}

// ProgressBroadcaster pushes a counters snapshot to dashboard clients.
type ProgressBroadcaster interface {
	BroadcastProgress(campaignID, recipientID string, status domain.Status, agg *domain.CampaignAggregate)
}

// ProgressHook streams each transition with a fresh counters snapshot to the
// dashboard. Purely cosmetic: dropped snapshots are fine.
func ProgressHook(aggregates AggregateReader, hub ProgressBroadcaster, logger *slog.Logger) TransitionHook {
	return func(ctx context.Context, rec *domain.DispatchRecord, ev StatusEvent) {
		agg, err := aggregates.GetAggregate(ctx, rec.CampaignID)
		if err != nil || agg == nil {
			if err != nil {
				logger.Debug("progress snapshot unavailable", "error", err, "campaign_id", rec.CampaignID)
			}
			return
		}
		hub.BroadcastProgress(rec.CampaignID, rec.RecipientID, ev.Status, agg)
	}
}
