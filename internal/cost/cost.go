// Package cost implements the cost/budget tracking supplemented feature:
// running cost accrual per provider/session, request-level maxCost
// admission checks, and threshold warnings, adapted from the teacher's
// budget/tracker.go and budget/limiter.go (session/agent/global budget
// checks collapsed here into session/provider/global, since this
// domain's unit of accrual is a request, not an agent invocation).
package cost

import (
	"context"
	"fmt"
	"sync"

	"github.com/scttfrdmn/airouter/internal/audit"
	"github.com/scttfrdmn/airouter/internal/domain"
)

// ExceededError is returned by CheckAdmission when a request's own
// maxCost ceiling would be exceeded. The Tracker's global budget is not
// enforced: crossing it only emits a warning event.
type ExceededError struct {
	Message string
}

func (e *ExceededError) Error() string { return e.Message }

// Tracker accrues cost per session and per provider, and against a
// single global ceiling.
type Tracker struct {
	mu             sync.Mutex
	sessionCost    map[string]float64
	providerCost   map[string]float64
	globalCost     float64
	globalBudget   float64 // 0 = unlimited
	warnThreshold  float64 // fraction of globalBudget that triggers a warning (e.g. 0.8)
	warned         bool
	auditLogger    *audit.Logger
}

// NewTracker constructs a Tracker. globalBudget of 0 disables the
// global ceiling; warnThreshold is the fraction (0,1] of globalBudget
// at which a budget_threshold audit event fires once.
func NewTracker(globalBudget, warnThreshold float64, logger *audit.Logger) *Tracker {
	return &Tracker{
		sessionCost:   make(map[string]float64),
		providerCost:  make(map[string]float64),
		globalBudget:  globalBudget,
		warnThreshold: warnThreshold,
		auditLogger:   logger,
	}
}

// EstimateCost computes the estimated dollar cost of a request against a
// provider's declared per-1k pricing (spec §4.5's estCost input).
func EstimateCost(limits domain.Limits, estimatedInputTokens, estimatedOutputTokens int) float64 {
	return (float64(estimatedInputTokens)/1000)*limits.CostPer1kInput +
		(float64(estimatedOutputTokens)/1000)*limits.CostPer1kOutput
}

// CheckAdmission enforces the request's own maxCost ceiling (spec §4.5:
// "request-level maxCost ceilings are enforced at admission").
func CheckAdmission(req *domain.Request, estimatedCost float64) error {
	if req.MaxCost > 0 && estimatedCost > req.MaxCost {
		return &ExceededError{Message: fmt.Sprintf(
			"estimated cost $%.4f exceeds request maxCost $%.4f", estimatedCost, req.MaxCost)}
	}
	return nil
}

// Record folds an actual accrued cost into the session, provider and
// global running totals, emitting a budget_threshold audit event the
// first time the global ceiling's warn threshold is crossed.
func (t *Tracker) Record(ctx context.Context, sessionID, providerID string, amount float64) {
	t.mu.Lock()
	t.sessionCost[sessionID] += amount
	t.providerCost[providerID] += amount
	t.globalCost += amount
	crossed := t.globalBudget > 0 && !t.warned && t.globalCost >= t.globalBudget*t.warnThreshold
	if crossed {
		t.warned = true
	}
	globalCost := t.globalCost
	globalBudget := t.globalBudget
	t.mu.Unlock()

	if crossed && t.auditLogger != nil {
		evt := audit.New(ctx, audit.BudgetThreshold, audit.SeverityWarning,
			fmt.Sprintf("global cost $%.2f has crossed warning threshold of global budget $%.2f", globalCost, globalBudget)).
			WithMetadata("global_cost", globalCost).
			WithMetadata("global_budget", globalBudget)
		t.auditLogger.Emit(evt)
	}
}

// SessionCost returns the running total accrued for sessionID.
func (t *Tracker) SessionCost(sessionID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionCost[sessionID]
}

// ProviderCost returns the running total accrued for providerID. The
// router's costScore uses EstimateCost, not this total.
func (t *Tracker) ProviderCost(providerID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.providerCost[providerID]
}

// GlobalCost returns the running total accrued across every provider
// and session.
func (t *Tracker) GlobalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalCost
}
