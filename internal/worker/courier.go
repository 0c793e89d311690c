package worker

import (
	"context"

	"github.com/google/uuid"
	"github.com/rijsilva/smartzap-dispatch/internal/domain"
)

// dispatchOne carries a single recipient through suppression check, throttle
// gate, send, bounded retries, and outcome recording.
//
// Retry policy mirrors the error taxonomy: transient failures retry up to
// RetryCount with RetryDelay between attempts; an overload signal decays the
// throttle and retries exactly once after re-acquiring; permanent, critical
// and unknown failures are recorded immediately.
func (r *Runner) dispatchOne(ctx context.Context, in RunInput, rec Recipient, c *runCounters) {
	suppressed, err := r.suppressions.IsSuppressed(ctx, rec.ID, r.now())
	if err != nil {
		// Fail open: a broken suppression lookup must not stall the run.
		r.logger.Error("suppression check failed, sending anyway", "error", err, "recipient_id", rec.ID)
	}
	if suppressed {
		c.skipped.Add(1)
		if err := r.aggregates.IncrementAggregate(ctx, in.CampaignID, domain.CounterSkipped); err != nil {
			r.logger.Error("failed to count skipped recipient", "error", err, "campaign_id", in.CampaignID)
		}
		r.logger.Info("recipient suppressed, skipping",
			"campaign_id", in.CampaignID,
			"recipient_id", rec.ID,
		)
		return
	}

	traceID := r.traceID()
	payload := in.Payload(rec)

	retriesLeft := in.RetryCount
	overloadRetried := false

	for {
		wait := r.throttle.Acquire(ctx, in.Identity)
		if err := r.sleep(ctx, wait); err != nil {
			// Run cancelled before this send started; nothing to record.
			return
		}

		// Cancellation stops new work at the acquire/sleep gates above. A send
		// that already started runs to completion and records its outcome;
		// aborting mid-flight would lose messages the provider accepted.
		opCtx := context.WithoutCancel(ctx)
		sendCtx, cancel := context.WithTimeout(opCtx, in.SendTimeout)
		out := r.sender.Send(sendCtx, in.Identity, rec.Phone, payload)
		cancel()

		switch {
		case out.Success():
			c.attempted.Add(1)
			changed, err := r.records.MarkSent(opCtx, in.CampaignID, rec.ID, out.ProviderMessageID, traceID, r.now())
			if err != nil {
				r.logger.Error("failed to record sent",
					"error", err,
					"campaign_id", in.CampaignID,
					"recipient_id", rec.ID,
				)
			} else if changed {
				if err := r.aggregates.IncrementAggregate(opCtx, in.CampaignID, domain.CounterSent); err != nil {
					r.logger.Error("failed to count sent", "error", err, "campaign_id", in.CampaignID)
				}
			}
			r.throttle.ReportSuccess(opCtx, in.Identity)
			c.sent.Add(1)
			r.logger.Debug("message sent",
				"campaign_id", in.CampaignID,
				"recipient_id", rec.ID,
				"provider_message_id", out.ProviderMessageID,
				"trace_id", traceID,
			)
			return

		case out.Overload:
			r.throttle.ReportOverload(opCtx, in.Identity, "throughput-exceeded")
			if !overloadRetried {
				overloadRetried = true
				continue
			}
			c.attempted.Add(1)
			r.recordFailure(opCtx, in, rec, traceID, domain.ProviderError{
				Code:     domain.CodeRateLimitHit,
				Title:    "rate limit",
				Message:  "provider overload persisted after retry",
				Category: domain.CategoryOverload,
			}, c)
			return

		default:
			perr := *out.Failure
			if perr.Retryable && retriesLeft > 0 {
				retriesLeft--
				if err := r.sleep(ctx, in.RetryDelay); err != nil {
					return
				}
				continue
			}
			c.attempted.Add(1)
			if perr.Category == domain.CategoryTransient {
				c.transient.Add(1)
			}
			r.recordFailure(opCtx, in, rec, traceID, perr, c)
			return
		}
	}
}

func (r *Runner) recordFailure(ctx context.Context, in RunInput, rec Recipient, traceID string, perr domain.ProviderError, c *runCounters) {
	changed, err := r.records.MarkSendFailure(ctx, in.CampaignID, rec.ID, traceID, perr, r.now())
	if err != nil {
		r.logger.Error("failed to record send failure",
			"error", err,
			"campaign_id", in.CampaignID,
			"recipient_id", rec.ID,
		)
	} else if changed {
		if err := r.aggregates.IncrementAggregate(ctx, in.CampaignID, domain.CounterFailed); err != nil {
			r.logger.Error("failed to count failure", "error", err, "campaign_id", in.CampaignID)
		}
	}
	c.failed.Add(1)
	r.logger.Warn("send failed",
		"campaign_id", in.CampaignID,
		"recipient_id", rec.ID,
		"code", perr.Code,
		"category", perr.Category,
		"message", perr.Message,
	)
}

func newTraceID() string {
	return uuid.NewString()
}
