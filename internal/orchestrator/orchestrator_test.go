package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/scttfrdmn/airouter/internal/capacity"
	"github.com/scttfrdmn/airouter/internal/circuitbreaker"
	"github.com/scttfrdmn/airouter/internal/config"
	"github.com/scttfrdmn/airouter/internal/cost"
	"github.com/scttfrdmn/airouter/internal/domain"
	"github.com/scttfrdmn/airouter/internal/errkind"
	"github.com/scttfrdmn/airouter/internal/provideradapter"
	"github.com/scttfrdmn/airouter/internal/queue"
	"github.com/scttfrdmn/airouter/internal/ratelimit"
	"github.com/scttfrdmn/airouter/internal/retry"
	"github.com/scttfrdmn/airouter/internal/router"
	"github.com/scttfrdmn/airouter/internal/store"
)

type stubAdapter struct {
	id       string
	resp     *domain.Response
	err      error
	executed int
}

func (s *stubAdapter) Execute(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	s.executed++
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (s *stubAdapter) Stream(ctx context.Context, req *domain.Request) (domain.ChunkSource, error) {
	return nil, errkind.New(errkind.Unprocessable, "stream not supported by stub")
}

func (s *stubAdapter) HealthProbe(ctx context.Context) error { return nil }

func (s *stubAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{"stub-model"}, nil
}

func (s *stubAdapter) ID() string { return s.id }

func newHarness(t *testing.T, adapter provideradapter.ProviderAdapter, provider *domain.Provider) (*Orchestrator, *queue.Queue) {
	t.Helper()
	cfg := config.Default()
	cfg.ProcessingInterval = 5 * time.Millisecond
	cfg.BatchSize = 10
	cfg.MaxConcurrent = 10

	st := store.NewMemoryStore()
	limiter := ratelimit.New(st, cfg.Tiers, cfg.Burst, nil)
	q := queue.New(st, cfg.PriorityWeights, limiter, nil)
	cm := capacity.New(cfg.Capacity, st, nil, []*domain.Provider{provider})
	breakers := circuitbreaker.New(circuitbreaker.DefaultConfig())
	r := router.New(cm, breakers)
	learning := retry.NewLearningStore()
	retryReg := retry.NewRegistry(learning)
	registry := provideradapter.NewRegistry()
	registry.Register(adapter)
	tracker := cost.NewTracker(0, 0, nil)

	orch := New(q, cm, breakers, r, retryReg, learning, registry, tracker, nil, cfg, nil)
	return orch, q
}

func testProvider(id string) *domain.Provider {
	return &domain.Provider{
		ID:           id,
		Capabilities: []string{"chat"},
		HealthScore:  1.0,
		SuccessRate:  0.99,
		P95LatencyMs: 100,
		Limits: domain.Limits{
			MaxConcurrent:     10,
			RequestsPerMinute: 1000,
			TokensPerMinute:   1_000_000,
			CostPer1kInput:    0.001,
			CostPer1kOutput:   0.002,
		},
	}
}

func newTestRequest() *domain.Request {
	req := domain.NewRequest(context.Background(), time.Minute)
	req.SubmitterUserID = "user-1"
	req.Tier = domain.TierBasic
	req.Priority = domain.PriorityMedium
	req.Capabilities = []string{"chat"}
	req.EstimatedTokens = 50
	return req
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestOrchestrator_CompletesSuccessfulRequest(t *testing.T) {
	adapter := &stubAdapter{id: "p1", resp: &domain.Response{
		ID: "r1", ProviderID: "p1", Content: "hi",
		Usage: domain.Usage{Input: 10, Output: 5, Total: 15},
	}}
	orch, q := newHarness(t, adapter, testProvider("p1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.Run(ctx)

	req := newTestRequest()
	if _, err := q.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, func() bool {
		n, _ := q.PendingLength(context.Background())
		return n == 0 && adapter.executed > 0
	})
}

func TestOrchestrator_RecordsAttemptOnAdapterFailure(t *testing.T) {
	adapter := &stubAdapter{id: "p1", err: errkind.New(errkind.ServerError, "boom")}
	orch, q := newHarness(t, adapter, testProvider("p1"))
	orch.cfg.Retry.MaxAttempts = 1
	orch.cfg.Retry.BaseDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.Run(ctx)

	req := newTestRequest()
	if _, err := q.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, func() bool {
		return adapter.executed >= 1 && req.Attempts() >= 1
	})
}

func TestOrchestrator_CircuitBreakerTripsOnRepeatedAdapterFailures(t *testing.T) {
	adapter := &stubAdapter{id: "p1", err: errkind.New(errkind.ServerError, "boom")}
	orch, q := newHarness(t, adapter, testProvider("p1"))
	orch.cfg.Retry.MaxAttempts = 10
	orch.cfg.Retry.BaseDelay = time.Millisecond
	orch.cfg.Retry.LearningEnabled = false // force plain exponential, no success-rate gating

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.Run(ctx)

	req := newTestRequest()
	if _, err := q.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, func() bool {
		return orch.breakers.State("p1") == circuitbreaker.Open
	})
}

func TestOrchestrator_CircuitBreakerStaysClosedOnSuccess(t *testing.T) {
	adapter := &stubAdapter{id: "p1", resp: &domain.Response{
		ID: "r1", ProviderID: "p1", Content: "hi",
		Usage: domain.Usage{Input: 10, Output: 5, Total: 15},
	}}
	orch, q := newHarness(t, adapter, testProvider("p1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.Run(ctx)

	req := newTestRequest()
	if _, err := q.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, func() bool {
		n, _ := q.PendingLength(context.Background())
		return n == 0 && adapter.executed > 0
	})

	if got := orch.breakers.State("p1"); got != circuitbreaker.Closed {
		t.Fatalf("expected breaker to stay closed after a successful request, got %s", got)
	}
}
