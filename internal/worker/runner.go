package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rijsilva/smartzap-dispatch/internal/domain"
	"github.com/rijsilva/smartzap-dispatch/internal/transport"
)

// Recipient is one audience member of a campaign run.
type Recipient struct {
	ID    string `json:"id"`
	Phone string `json:"phone"`
}

// PayloadFactory renders the message payload for a recipient.
type PayloadFactory func(r Recipient) transport.Payload

// RunInput describes one campaign dispatch run.
type RunInput struct {
	CampaignID  string
	Identity    string // sending phone number ID
	Recipients  []Recipient
	Payload     PayloadFactory
	Concurrency int
	BatchSize   int
	RetryCount  int
	RetryDelay  time.Duration
	SendTimeout time.Duration
}

// RunResult summarizes a finished (or paused) run.
type RunResult struct {
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Attempted int `json:"attempted"`
}

// DispatchRepo records per-recipient send outcomes.
type DispatchRepo interface {
	MarkSent(ctx context.Context, campaignID, recipientID, providerMessageID, traceID string, sentAt time.Time) (bool, error)
	MarkSendFailure(ctx context.Context, campaignID, recipientID, traceID string, perr domain.ProviderError, failedAt time.Time) (bool, error)
}

// AggregateRepo maintains campaign counters via atomic increments.
type AggregateRepo interface {
	EnsureAggregate(ctx context.Context, campaignID string) error
	IncrementAggregate(ctx context.Context, campaignID, counter string) error
}

// SuppressionChecker answers whether a recipient must be skipped.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, recipientID string, now time.Time) (bool, error)
}

// PauseFlag exposes the operator's cooperative pause signal for a run.
type PauseFlag interface {
	IsPaused(ctx context.Context, campaignID string) (bool, error)
}

// Throttle is the pacing gate all workers of an identity share.
type Throttle interface {
	Acquire(ctx context.Context, identity string) time.Duration
	ReportSuccess(ctx context.Context, identity string)
	ReportOverload(ctx context.Context, identity, signal string)
}

// Runner drains a campaign's recipients through a fixed-size worker pool at
// the throttle-governed rate and records every outcome.
type Runner struct {
	records      DispatchRepo
	aggregates   AggregateRepo
	suppressions SuppressionChecker
	pause        PauseFlag
	throttle     Throttle
	sender       transport.Sender
	logger       *slog.Logger
	traceID      func() string
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewRunner(records DispatchRepo, aggregates AggregateRepo, suppressions SuppressionChecker, pause PauseFlag, throttle Throttle, sender transport.Sender, logger *slog.Logger) *Runner {
	return &Runner{
		records:      records,
		aggregates:   aggregates,
		suppressions: suppressions,
		pause:        pause,
		throttle:     throttle,
		sender:       sender,
		logger:       logger,
		traceID:      newTraceID,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

type runCounters struct {
	sent      atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	attempted atomic.Int64
	transient atomic.Int64
}

// Run executes one campaign dispatch run and blocks until every fed recipient
// has a recorded outcome. Pause and cancellation stop the feed between
// batches; workers finish whatever is already in flight.
//
// The returned error is a run-level signal only: it is non-nil when every
// attempted send failed with a transient error (total transport outage).
// Per-recipient failures are expressed as data, never as an error.
func (r *Runner) Run(ctx context.Context, in RunInput) (RunResult, error) {
	if in.Concurrency <= 0 {
		in.Concurrency = 1
	}
	if in.BatchSize <= 0 {
		in.BatchSize = 50
	}

	if err := r.aggregates.EnsureAggregate(ctx, in.CampaignID); err != nil {
		return RunResult{}, fmt.Errorf("preparing campaign aggregate: %w", err)
	}

	r.logger.Info("dispatch run starting",
		"campaign_id", in.CampaignID,
		"identity", in.Identity,
		"recipients", len(in.Recipients),
		"concurrency", in.Concurrency,
	)

	feed := make(chan Recipient)
	var counters runCounters
	var wg sync.WaitGroup

	for i := 0; i < in.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range feed {
				r.dispatchOne(ctx, in, rec, &counters)
			}
		}()
	}

feedLoop:
	for start := 0; start < len(in.Recipients); start += in.BatchSize {
		if ctx.Err() != nil {
			break
		}

		paused, err := r.pause.IsPaused(ctx, in.CampaignID)
		if err != nil {
			r.logger.Error("pause check failed, continuing run", "error", err, "campaign_id", in.CampaignID)
		} else if paused {
			r.logger.Info("run paused, stopping feed", "campaign_id", in.CampaignID)
			break
		}

		end := min(start+in.BatchSize, len(in.Recipients))
		for _, rec := range in.Recipients[start:end] {
			select {
			case feed <- rec:
			case <-ctx.Done():
				break feedLoop
			}
		}
	}
	close(feed)
	wg.Wait()

	result := RunResult{
		Sent:      int(counters.sent.Load()),
		Failed:    int(counters.failed.Load()),
		Skipped:   int(counters.skipped.Load()),
		Attempted: int(counters.attempted.Load()),
	}

	r.logger.Info("dispatch run finished",
		"campaign_id", in.CampaignID,
		"sent", result.Sent,
		"failed", result.Failed,
		"skipped", result.Skipped,
	)

	if result.Attempted > 0 && int(counters.transient.Load()) == result.Attempted {
		return result, fmt.Errorf("transport outage: all %d attempted sends failed with transient errors", result.Attempted)
	}
	return result, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
