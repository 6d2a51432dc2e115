package router

import (
	"context"
	"testing"
	"time"

	"github.com/scttfrdmn/airouter/internal/capacity"
	"github.com/scttfrdmn/airouter/internal/circuitbreaker"
	"github.com/scttfrdmn/airouter/internal/config"
	"github.com/scttfrdmn/airouter/internal/domain"
	"github.com/scttfrdmn/airouter/internal/store"
)

func provider(id string, successRate, p95 float64) *domain.Provider {
	return &domain.Provider{
		ID:           id,
		Capabilities: []string{"chat"},
		HealthScore:  1.0,
		SuccessRate:  successRate,
		P95LatencyMs: p95,
		Limits: domain.Limits{
			MaxConcurrent:     10,
			RequestsPerMinute: 1000,
			TokensPerMinute:   1_000_000,
			CostPer1kInput:    0.001,
			CostPer1kOutput:   0.002,
		},
	}
}

func newTestRequest(capabilities ...string) *domain.Request {
	req := domain.NewRequest(context.Background(), 0)
	req.Capabilities = capabilities
	req.EstimatedTokens = 100
	return req
}

func TestSelect_PicksHigherScoringProvider(t *testing.T) {
	cm := capacity.New(config.Default().Capacity, store.NewMemoryStore(), nil,
		[]*domain.Provider{provider("slow", 0.9, 4000), provider("fast", 0.99, 100)})
	r := New(cm, circuitbreaker.New(circuitbreaker.DefaultConfig()))

	decision, err := r.Select(context.Background(), newTestRequest("chat"), 50)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if decision.Provider == nil {
		t.Fatal("expected a provider to be selected")
	}
	if decision.Provider.ID != "fast" {
		t.Fatalf("expected fast provider to win on latency+successRate, got %s", decision.Provider.ID)
	}
}

func TestSelect_NoEligibleCandidatesReturnsWaitHint(t *testing.T) {
	cm := capacity.New(config.Default().Capacity, store.NewMemoryStore(), nil, nil)
	r := New(cm, circuitbreaker.New(circuitbreaker.DefaultConfig()))

	decision, err := r.Select(context.Background(), newTestRequest("chat"), 50)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if decision.Provider != nil {
		t.Fatal("expected no provider when none are registered")
	}
	if decision.WaitHint <= 0 {
		t.Fatal("expected a positive wait hint")
	}
}

func TestSelect_OpenCircuitExcludesProvider(t *testing.T) {
	breakers := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, SuccessThreshold: 1})
	breakers.OnFailure("flaky")

	cm := capacity.New(config.Default().Capacity, store.NewMemoryStore(), nil,
		[]*domain.Provider{provider("flaky", 0.99, 100)})
	r := New(cm, breakers)

	decision, err := r.Select(context.Background(), newTestRequest("chat"), 50)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if decision.Provider != nil {
		t.Fatal("expected the only candidate to be excluded by its open circuit")
	}
}
