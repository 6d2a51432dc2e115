package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/scttfrdmn/airouter/internal/audit"
	"github.com/scttfrdmn/airouter/internal/capacity"
	"github.com/scttfrdmn/airouter/internal/config"
	"github.com/scttfrdmn/airouter/internal/domain"
	"github.com/scttfrdmn/airouter/internal/errkind"
	"github.com/scttfrdmn/airouter/internal/store"
)

type fakeSink struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (s *fakeSink) Write(e *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *fakeSink) count(metric string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Metadata["metric"] == metric {
			n++
		}
	}
	return n
}

func TestRecordOutcome_AccumulatesStats(t *testing.T) {
	st := store.NewMemoryStore()
	r := New(st, nil, nil)
	ctx := context.Background()

	r.RecordOutcome(ctx, "p1", "", 100*time.Millisecond, 0.01, nil)
	r.RecordOutcome(ctx, "p1", "", 200*time.Millisecond, 0.02, nil)
	r.RecordOutcome(ctx, "p1", errkind.ServerError, 300*time.Millisecond, 0, nil)

	snap := r.Snapshot("p1", 0, 0)
	if snap.Total != 3 {
		t.Fatalf("expected total 3, got %d", snap.Total)
	}
	if snap.Success != 2 {
		t.Fatalf("expected success 2, got %d", snap.Success)
	}
	if snap.FailuresByKind[errkind.ServerError] != 1 {
		t.Fatalf("expected 1 SERVER_ERROR failure, got %d", snap.FailuresByKind[errkind.ServerError])
	}
	if got, want := snap.CostAccrued, 0.03; got != want {
		t.Fatalf("expected cost accrued %f, got %f", want, got)
	}
}

func TestPercentiles_ComputedFromStoredSamples(t *testing.T) {
	st := store.NewMemoryStore()
	r := New(st, nil, nil)
	ctx := context.Background()

	for _, ms := range []time.Duration{10, 20, 30, 40, 50} {
		r.RecordOutcome(ctx, "p1", "", ms*time.Millisecond, 0, nil)
	}

	p50, p95, ok := r.percentiles(ctx, "p1")
	if !ok {
		t.Fatal("expected percentiles to be computable once samples exist")
	}
	if p50 <= 0 || p95 <= 0 {
		t.Fatalf("expected positive percentiles, got p50=%f p95=%f", p50, p95)
	}
	if p95 < p50 {
		t.Fatalf("expected p95 >= p50, got p50=%f p95=%f", p50, p95)
	}
}

func newCapacityHarness(t *testing.T, maxConcurrent int) (*capacity.Manager, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	p := &domain.Provider{
		ID:          "p1",
		Limits:      domain.Limits{MaxConcurrent: maxConcurrent, RequestsPerMinute: 1000},
		HealthScore: 1.0,
	}
	cm := capacity.New(config.CapacityConfig{QueueLengthLimit: 1000, OverloadProtection: 0.95}, st, nil, []*domain.Provider{p})
	return cm, st
}

func TestSweep_UpdatesProviderPerformance(t *testing.T) {
	cm, st := newCapacityHarness(t, 2)
	r := New(st, nil, nil)
	ctx := context.Background()

	r.RecordOutcome(ctx, "p1", "", 100*time.Millisecond, 0, nil)
	r.RecordOutcome(ctx, "p1", "", 200*time.Millisecond, 0, nil)

	r.sweep(ctx, cm)

	var updated *domain.Provider
	for _, p := range cm.Providers() {
		if p.ID == "p1" {
			updated = p
		}
	}
	if updated == nil {
		t.Fatal("expected provider p1 to be present")
	}
	if updated.P95LatencyMs <= 0 {
		t.Fatalf("expected a positive p95 after sweep, got %f", updated.P95LatencyMs)
	}
	if updated.SuccessRate != 1.0 {
		t.Fatalf("expected success rate 1.0 after two successes, got %f", updated.SuccessRate)
	}
}

func TestSweep_AlertsAreIdempotent(t *testing.T) {
	cm, st := newCapacityHarness(t, 2)
	sink := &fakeSink{}
	r := New(st, audit.NewLogger(sink), nil)
	ctx := context.Background()

	// Saturate concurrency to push utilization above the alert threshold.
	if err := cm.Reserve(ctx, "p1", domain.PriorityHigh); err != nil {
		t.Fatalf("reserve 1: %v", err)
	}
	if err := cm.Reserve(ctx, "p1", domain.PriorityHigh); err != nil {
		t.Fatalf("reserve 2: %v", err)
	}

	r.RecordOutcome(ctx, "p1", "", 10*time.Millisecond, 0, nil)

	r.sweep(ctx, cm)
	r.sweep(ctx, cm)
	r.sweep(ctx, cm)

	if got := sink.count("capacityUtilization"); got != 1 {
		t.Fatalf("expected exactly 1 capacityUtilization alert across 3 breaching sweeps, got %d", got)
	}

	// Release capacity back down and confirm the alert resolves exactly once.
	cm.MarkExecuting("p1")
	cm.MarkExecuting("p1")
	cm.Release(ctx, "p1", time.Millisecond)
	cm.Release(ctx, "p1", time.Millisecond)

	r.sweep(ctx, cm)
	r.sweep(ctx, cm)

	// 1 trigger + 1 resolution, never a second trigger.
	if got := sink.count("capacityUtilization"); got != 2 {
		t.Fatalf("expected 1 trigger + 1 resolution event, got %d", got)
	}
}

func TestSweep_NoAlertWhenHealthy(t *testing.T) {
	cm, st := newCapacityHarness(t, 10)
	sink := &fakeSink{}
	r := New(st, audit.NewLogger(sink), nil)
	ctx := context.Background()

	r.RecordOutcome(ctx, "p1", "", 10*time.Millisecond, 0, nil)
	r.sweep(ctx, cm)

	if got := len(sink.events); got != 0 {
		t.Fatalf("expected no alerts for a healthy provider, got %d events", got)
	}
}
