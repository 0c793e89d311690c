package engine

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rijsilva/smartzap-dispatch/internal/domain"
)

// memRecords mirrors the conditional-update semantics of the Postgres store.
type memRecords struct {
	mu    sync.Mutex
	byID  map[string]*domain.DispatchRecord
	byMsg map[string]string
}

func newMemRecords() *memRecords {
	return &memRecords{
		byID:  make(map[string]*domain.DispatchRecord),
		byMsg: make(map[string]string),
	}
}

func (m *memRecords) add(rec domain.DispatchRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := rec
	m.byID[rec.ID] = &cp
	if rec.ProviderMessageID != "" {
		m.byMsg[rec.ProviderMessageID] = rec.ID
	}
}

func (m *memRecords) get(id string) domain.DispatchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.byID[id]
}

func (m *memRecords) FindByProviderMessageID(_ context.Context, msgID string) (*domain.DispatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byMsg[msgID]
	if !ok {
		return nil, nil
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *memRecords) CompareAndAdvanceStatus(_ context.Context, id string, to domain.Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok || rec.Status == domain.StatusFailed {
		return false, nil
	}
	if to.Order() <= rec.Status.Order() {
		return false, nil
	}
	rec.Status = to
	switch to {
	case domain.StatusSent:
		rec.SentAt = &at
	case domain.StatusDelivered:
		if rec.DeliveredAt == nil {
			rec.DeliveredAt = &at
		}
	case domain.StatusRead:
		rec.ReadAt = &at
	}
	return true, nil
}

func (m *memRecords) BackfillDeliveredAt(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok || rec.DeliveredAt != nil || rec.Status == domain.StatusFailed {
		return false, nil
	}
	rec.DeliveredAt = &at
	return true, nil
}

func (m *memRecords) MarkFailed(_ context.Context, id string, perr domain.ProviderError, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok || rec.Status == domain.StatusFailed {
		return false, nil
	}
	rec.Status = domain.StatusFailed
	rec.FailedAt = &at
	rec.ErrorCode = perr.Code
	rec.ErrorCategory = string(perr.Category)
	return true, nil
}

type memAggregates struct {
	mu       sync.Mutex
	counters map[string]int
}

func newMemAggregates() *memAggregates {
	return &memAggregates{counters: make(map[string]int)}
}

func (m *memAggregates) IncrementAggregate(_ context.Context, campaignID, counter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[campaignID+"|"+counter]++
	return nil
}

func (m *memAggregates) get(campaignID, counter string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[campaignID+"|"+counter]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupProcessor(t *testing.T) (*Processor, *memRecords, *memAggregates) {
	t.Helper()
	records := newMemRecords()
	aggregates := newMemAggregates()
	p := NewProcessor(records, aggregates, NewNotifier(quietLogger()), quietLogger())
	return p, records, aggregates
}

func sentRecord(id, msgID string) domain.DispatchRecord {
	sentAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return domain.DispatchRecord{
		ID:                id,
		CampaignID:        "camp-1",
		RecipientID:       "c1",
		ProviderMessageID: msgID,
		TraceID:           "trace-1",
		Status:            domain.StatusSent,
		SentAt:            &sentAt,
	}
}

func event(msgID string, status domain.Status) StatusEvent {
	return StatusEvent{
		ProviderMessageID: msgID,
		Status:            status,
		Timestamp:         time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC),
	}
}

func failureEvent(msgID string, code int) StatusEvent {
	perr := domain.NewProviderError(code, "test", "test failure")
	ev := event(msgID, domain.StatusFailed)
	ev.Error = &perr
	return ev
}

func TestProcessor_DeliveredThenRead(t *testing.T) {
	p, records, aggregates := setupProcessor(t)
	records.add(sentRecord("r1", "wamid.1"))
	ctx := context.Background()

	if err := p.Process(ctx, event("wamid.1", domain.StatusDelivered)); err != nil {
		t.Fatalf("delivered: %v", err)
	}
	if err := p.Process(ctx, event("wamid.1", domain.StatusRead)); err != nil {
		t.Fatalf("read: %v", err)
	}

	rec := records.get("r1")
	if rec.Status != domain.StatusRead {
		t.Errorf("status: got %s", rec.Status)
	}
	if rec.DeliveredAt == nil || rec.ReadAt == nil {
		t.Error("expected delivered_at and read_at set")
	}
	if got := aggregates.get("camp-1", domain.CounterDelivered); got != 1 {
		t.Errorf("delivered_total: got %d, want 1", got)
	}
	if got := aggregates.get("camp-1", domain.CounterRead); got != 1 {
		t.Errorf("read_total: got %d, want 1", got)
	}
}

func TestProcessor_DuplicateDeliveredCountsOnce(t *testing.T) {
	p, records, aggregates := setupProcessor(t)
	records.add(sentRecord("r1", "wamid.1"))
	ctx := context.Background()

	// Provider redelivers the identical callback (at-least-once semantics).
	for i := 0; i < 2; i++ {
		if err := p.Process(ctx, event("wamid.1", domain.StatusDelivered)); err != nil {
			t.Fatalf("delivered #%d: %v", i+1, err)
		}
	}

	if got := aggregates.get("camp-1", domain.CounterDelivered); got != 1 {
		t.Errorf("delivered_total: got %d, want 1", got)
	}
}

func TestProcessor_ReadBeforeDelivered(t *testing.T) {
	p, records, aggregates := setupProcessor(t)
	records.add(sentRecord("r1", "wamid.1"))
	ctx := context.Background()

	if err := p.Process(ctx, event("wamid.1", domain.StatusRead)); err != nil {
		t.Fatalf("read: %v", err)
	}

	rec := records.get("r1")
	if rec.Status != domain.StatusRead {
		t.Errorf("status: got %s", rec.Status)
	}
	if rec.DeliveredAt == nil {
		t.Error("read must backfill delivered_at")
	}
	if got := aggregates.get("camp-1", domain.CounterDelivered); got != 1 {
		t.Errorf("delivered_total: got %d, want 1", got)
	}
	if got := aggregates.get("camp-1", domain.CounterRead); got != 1 {
		t.Errorf("read_total: got %d, want 1", got)
	}

	// The late delivered callback is a pure no-op: the order guard rejects
	// the status move and the backfill already happened.
	if err := p.Process(ctx, event("wamid.1", domain.StatusDelivered)); err != nil {
		t.Fatalf("late delivered: %v", err)
	}
	if got := aggregates.get("camp-1", domain.CounterDelivered); got != 1 {
		t.Errorf("delivered_total after late delivered: got %d, want 1", got)
	}
	if records.get("r1").Status != domain.StatusRead {
		t.Errorf("late delivered changed status to %s", records.get("r1").Status)
	}
}

func TestProcessor_FullSequenceReplayedTwice(t *testing.T) {
	p, records, aggregates := setupProcessor(t)
	records.add(sentRecord("r1", "wamid.1"))
	ctx := context.Background()

	sequence := []domain.Status{domain.StatusSent, domain.StatusDelivered, domain.StatusRead}
	for i := 0; i < 2; i++ {
		for _, st := range sequence {
			if err := p.Process(ctx, event("wamid.1", st)); err != nil {
				t.Fatalf("replay %d, %s: %v", i+1, st, err)
			}
		}
	}

	if got := records.get("r1").Status; got != domain.StatusRead {
		t.Errorf("status: got %s", got)
	}
	for counter, want := range map[string]int{
		domain.CounterDelivered: 1,
		domain.CounterRead:      1,
		domain.CounterSent:      0, // record was already sent before any callback
	} {
		if got := aggregates.get("camp-1", counter); got != want {
			t.Errorf("%s_total: got %d, want %d", counter, got, want)
		}
	}
}

func TestProcessor_FailedIsTerminal(t *testing.T) {
	p, records, aggregates := setupProcessor(t)
	records.add(sentRecord("r1", "wamid.1"))
	ctx := context.Background()

	if err := p.Process(ctx, failureEvent("wamid.1", domain.CodeUndeliverable)); err != nil {
		t.Fatalf("failed: %v", err)
	}

	// Nothing after failed changes state or counters.
	for _, ev := range []StatusEvent{
		event("wamid.1", domain.StatusDelivered),
		event("wamid.1", domain.StatusRead),
		failureEvent("wamid.1", domain.CodeUndeliverable),
	} {
		if err := p.Process(ctx, ev); err != nil {
			t.Fatalf("post-failure %s: %v", ev.Status, err)
		}
	}

	rec := records.get("r1")
	if rec.Status != domain.StatusFailed {
		t.Errorf("status: got %s", rec.Status)
	}
	if got := aggregates.get("camp-1", domain.CounterFailed); got != 1 {
		t.Errorf("failed_total: got %d, want 1", got)
	}
	if got := aggregates.get("camp-1", domain.CounterDelivered); got != 0 {
		t.Errorf("delivered_total: got %d, want 0", got)
	}
}

func TestProcessor_FailedAfterDelivered(t *testing.T) {
	p, records, aggregates := setupProcessor(t)
	records.add(sentRecord("r1", "wamid.1"))
	ctx := context.Background()

	if err := p.Process(ctx, event("wamid.1", domain.StatusDelivered)); err != nil {
		t.Fatalf("delivered: %v", err)
	}
	// Failed may arrive even after a delivered callback.
	if err := p.Process(ctx, failureEvent("wamid.1", domain.CodeGenericFailure)); err != nil {
		t.Fatalf("failed: %v", err)
	}

	if got := records.get("r1").Status; got != domain.StatusFailed {
		t.Errorf("status: got %s", got)
	}
	if got := aggregates.get("camp-1", domain.CounterFailed); got != 1 {
		t.Errorf("failed_total: got %d, want 1", got)
	}
}

func TestProcessor_UnknownMessageIgnored(t *testing.T) {
	p, _, aggregates := setupProcessor(t)

	if err := p.Process(context.Background(), event("wamid.unknown", domain.StatusDelivered)); err != nil {
		t.Fatalf("unknown message must not error: %v", err)
	}
	if got := aggregates.get("camp-1", domain.CounterDelivered); got != 0 {
		t.Errorf("counters must stay untouched, delivered_total=%d", got)
	}
}

type memSuppressionRepo struct {
	mu       sync.Mutex
	entries  map[string]domain.SuppressionEntry
	optedOut map[string]bool
}

func newMemSuppressionRepo() *memSuppressionRepo {
	return &memSuppressionRepo{
		entries:  make(map[string]domain.SuppressionEntry),
		optedOut: make(map[string]bool),
	}
}

func (m *memSuppressionRepo) UpsertSuppression(_ context.Context, e domain.SuppressionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[e.RecipientID]; ok && existing.ExpiresAt == nil {
		e.ExpiresAt = nil // permanent entries are never downgraded
	}
	e.IsActive = true
	m.entries[e.RecipientID] = e
	return nil
}

func (m *memSuppressionRepo) GetActiveSuppression(_ context.Context, recipientID string, now time.Time) (*domain.SuppressionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[recipientID]
	if !ok || (e.ExpiresAt != nil && !e.ExpiresAt.After(now)) {
		return nil, nil
	}
	cp := e
	return &cp, nil
}

func (m *memSuppressionRepo) MarkRecipientOptedOut(_ context.Context, recipientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optedOut[recipientID] = true
	return nil
}

func setupFanout(t *testing.T) (*Processor, *memRecords, *memSuppressionRepo, *AccountAlertSink) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := quietLogger()
	suppRepo := newMemSuppressionRepo()
	suppressions := NewSuppressionEngine(suppRepo, client, logger)
	alerts := NewAccountAlertSink(client, logger)

	notifier := NewNotifier(logger)
	notifier.Register("failure", FailureHook(alerts, suppressions, logger))
	notifier.Register("recovery", RecoveryHook(alerts))

	records := newMemRecords()
	p := NewProcessor(records, newMemAggregates(), notifier, logger)
	return p, records, suppRepo, alerts
}

func TestProcessor_OptOutCodeMarksRecipientAndSuppresses(t *testing.T) {
	p, records, suppRepo, _ := setupFanout(t)
	records.add(sentRecord("r1", "wamid.1"))

	if err := p.Process(context.Background(), failureEvent("wamid.1", domain.CodeUserStoppedMkt)); err != nil {
		t.Fatalf("process: %v", err)
	}

	if !suppRepo.optedOut["c1"] {
		t.Error("recipient not marked opted out")
	}
	entry, ok := suppRepo.entries["c1"]
	if !ok {
		t.Fatal("no suppression entry created")
	}
	if entry.ExpiresAt != nil {
		t.Error("opt-out suppression must be permanent")
	}
	if entry.Source != domain.SourceProviderReported {
		t.Errorf("source: got %s, want provider-reported", entry.Source)
	}
}

func TestProcessor_CriticalFailureRaisesAlert_DeliveryClears(t *testing.T) {
	p, records, _, alerts := setupFanout(t)
	records.add(sentRecord("r1", "wamid.1"))
	rec2 := sentRecord("r2", "wamid.2")
	rec2.RecipientID = "c2"
	records.add(rec2)
	ctx := context.Background()

	if err := p.Process(ctx, failureEvent("wamid.1", domain.CodePaymentIssue)); err != nil {
		t.Fatalf("failure: %v", err)
	}

	active := alerts.Active(ctx)
	if len(active) != 1 || active[0].Category != AlertCategoryBilling {
		t.Fatalf("expected one billing alert, got %+v", active)
	}

	// A later successful delivery is evidence the account can pay again.
	if err := p.Process(ctx, event("wamid.2", domain.StatusDelivered)); err != nil {
		t.Fatalf("delivered: %v", err)
	}
	if active := alerts.Active(ctx); len(active) != 0 {
		t.Errorf("billing alert should be auto-dismissed, got %+v", active)
	}
}

func TestProcessor_FailureWithoutDetailIsUnknown(t *testing.T) {
	p, records, suppRepo, alerts := setupFanout(t)
	records.add(sentRecord("r1", "wamid.1"))
	ctx := context.Background()

	// The provider sometimes sends a failed status with an empty errors array.
	if err := p.Process(ctx, event("wamid.1", domain.StatusFailed)); err != nil {
		t.Fatalf("process: %v", err)
	}

	rec := records.get("r1")
	if rec.Status != domain.StatusFailed {
		t.Fatalf("status: got %s", rec.Status)
	}
	if rec.ErrorCategory != string(domain.CategoryUnknown) {
		t.Errorf("category: got %q, want unknown", rec.ErrorCategory)
	}
	if rec.ErrorCode == 0 {
		t.Error("a detail-less failure must not be stored as provider code 0")
	}
	if active := alerts.Active(ctx); len(active) != 0 {
		t.Errorf("no account alert may be raised without a provider code, got %+v", active)
	}
	if len(suppRepo.entries) != 0 {
		t.Errorf("unknown failures must not count toward suppression, got %+v", suppRepo.entries)
	}
}

func TestNotifier_HookPanicDoesNotPropagate(t *testing.T) {
	n := NewNotifier(quietLogger())
	ran := false
	n.Register("bad", func(context.Context, *domain.DispatchRecord, StatusEvent) {
		panic("boom")
	})
	n.Register("good", func(context.Context, *domain.DispatchRecord, StatusEvent) {
		ran = true
	})

	rec := sentRecord("r1", "wamid.1")
	n.Notify(context.Background(), &rec, event("wamid.1", domain.StatusDelivered))

	if !ran {
		t.Error("a panicking hook must not stop later hooks")
	}
}
