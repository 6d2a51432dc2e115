package capacity

import (
	"context"
	"testing"
	"time"

	"github.com/scttfrdmn/airouter/internal/config"
	"github.com/scttfrdmn/airouter/internal/domain"
	"github.com/scttfrdmn/airouter/internal/store"
)

func testProvider(id string, maxConcurrent, rpm int) *domain.Provider {
	return &domain.Provider{
		ID:          id,
		HealthScore: 1.0,
		Limits: domain.Limits{
			MaxConcurrent:     maxConcurrent,
			RequestsPerMinute: rpm,
			TokensPerMinute:   100000,
		},
	}
}

func newTestManager(t *testing.T, providers ...*domain.Provider) *Manager {
	t.Helper()
	cfg := config.Default().Capacity
	return New(cfg, store.NewMemoryStore(), nil, providers)
}

func TestHasAvailableCapacity_NoSlotsLeft(t *testing.T) {
	m := newTestManager(t, testProvider("p1", 1, 100))
	ctx := context.Background()

	if !m.HasAvailableCapacity(ctx, "p1", 10) {
		t.Fatal("expected capacity available before any reservation")
	}
	if err := m.Reserve(ctx, "p1", domain.PriorityHigh); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if m.HasAvailableCapacity(ctx, "p1", 10) {
		t.Fatal("expected no capacity once the single slot is reserved")
	}
}

func TestReleaseUpdatesEWMA(t *testing.T) {
	m := newTestManager(t, testProvider("p1", 5, 100))
	ctx := context.Background()

	if err := m.Reserve(ctx, "p1", domain.PriorityMedium); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	m.MarkExecuting("p1")
	m.Release(ctx, "p1", 200*time.Millisecond)
	state, ok := m.State("p1")
	if !ok {
		t.Fatal("expected state to exist")
	}
	if state.Active != 0 || state.Reserved != 0 {
		t.Fatalf("expected slots released, got active=%d reserved=%d", state.Active, state.Reserved)
	}
	if state.AverageProcessingMs <= 0 {
		t.Fatalf("expected EWMA to be seeded, got %f", state.AverageProcessingMs)
	}
}

func TestHasAvailableCapacity_HealthScoreGate(t *testing.T) {
	p := testProvider("p1", 10, 100)
	p.HealthScore = 0.2
	m := newTestManager(t, p)
	if m.HasAvailableCapacity(context.Background(), "p1", 1) {
		t.Fatal("expected capacity gated by low health score")
	}
}

func TestRecordUsageThenWindowGate(t *testing.T) {
	p := testProvider("p1", 10, 2)
	m := newTestManager(t, p)
	ctx := context.Background()

	if err := m.RecordUsage(ctx, "p1", 10); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if err := m.RecordUsage(ctx, "p1", 10); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if m.HasAvailableCapacity(ctx, "p1", 1) {
		t.Fatal("expected requests-per-minute cap to reject the third request")
	}
}
