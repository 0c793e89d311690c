package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Manager owns the lifecycle of in-flight campaign runs: one run per campaign
// at a time, each in its own goroutine with its own cancellable context.
type Manager struct {
	runner *Runner
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewManager(runner *Runner, logger *slog.Logger) *Manager {
	return &Manager{
		runner: runner,
		logger: logger,
		active: make(map[string]context.CancelFunc),
	}
}

// Launch starts a run in the background. Returns false when the campaign
// already has a run in flight.
func (m *Manager) Launch(in RunInput) bool {
	m.mu.Lock()
	if _, running := m.active[in.CampaignID]; running {
		m.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.active[in.CampaignID] = cancel
	m.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			m.mu.Lock()
			delete(m.active, in.CampaignID)
			m.mu.Unlock()
		}()

		if _, err := m.runner.Run(ctx, in); err != nil {
			m.logger.Error("dispatch run ended with outage signal",
				"error", err,
				"campaign_id", in.CampaignID,
			)
		}
	}()
	return true
}

// Cancel stops the feed of a running campaign. In-flight sends still complete
// and record their outcome.
func (m *Manager) Cancel(campaignID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.active[campaignID]
	if ok {
		cancel()
	}
	return ok
}

// ActiveCount returns the number of runs currently in flight.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
