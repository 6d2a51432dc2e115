// Package router implements the Router / Provider Selector (spec §4.5):
// candidate enumeration by capability, admission with a wait-time
// tolerance, weighted scoring, deterministic tie-breaking, and explicit
// provider hint bypass with fallback (the model hint is not consulted).
// Grounded structurally on
// the teacher's registry.go Lookup-then-filter pattern, generalized
// from agent lookup to scored provider selection.
package router

import (
	"context"
	"sort"
	"time"

	"github.com/scttfrdmn/airouter/internal/capacity"
	"github.com/scttfrdmn/airouter/internal/circuitbreaker"
	"github.com/scttfrdmn/airouter/internal/cost"
	"github.com/scttfrdmn/airouter/internal/domain"
)

// admissionTolerance is the maximum expected wait (spec §4.5) for which
// a non-admitted candidate still remains eligible.
const admissionTolerance = 30 * time.Second

// Decision is the Router's outcome for one request.
type Decision struct {
	Provider     *domain.Provider
	FallbackUsed bool
	EstimatedCost float64
	WaitHint     time.Duration // populated only when no candidate admits
}

// Router selects a provider for a request.
type Router struct {
	capacityMgr *capacity.Manager
	breakers    *circuitbreaker.Manager
}

// New constructs a Router against the given Capacity Manager and
// circuit breaker manager.
func New(capacityMgr *capacity.Manager, breakers *circuitbreaker.Manager) *Router {
	return &Router{capacityMgr: capacityMgr, breakers: breakers}
}

type candidate struct {
	provider      *domain.Provider
	admittedNow   bool
	estCost       float64
	score         float64
}

func (r *Router) eligibleCandidates(req *domain.Request) []*domain.Provider {
	var out []*domain.Provider
	for _, p := range r.capacityMgr.Providers() {
		if !hasAllCapabilities(p, req.Capabilities) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func hasAllCapabilities(p *domain.Provider, required []string) bool {
	for _, cap := range required {
		if !p.SupportsCapability(cap) {
			return false
		}
	}
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// score implements spec §4.5's weighted formula.
func (r *Router) score(p *domain.Provider, admittedNow bool, estCost float64) float64 {
	availability := 0.5
	if admittedNow {
		availability = 1.0
	}
	if r.breakers != nil {
		availability *= r.breakers.Availability(p.ID)
	}
	costScore := clamp01(1 - estCost/0.10)
	latencyScore := clamp01(1 - p.P95LatencyMs/5000)
	successRate := clamp01(p.SuccessRate)

	return 0.40*availability + 0.20*costScore + 0.25*successRate + 0.15*latencyScore
}

// Select chooses a provider for req (spec §4.5). estimatedOutputTokens
// is used for per-provider cost estimation.
func (r *Router) Select(ctx context.Context, req *domain.Request, estimatedOutputTokens int) (Decision, error) {
	eligible := r.eligibleCandidates(req)

	if req.ProviderHint != "" {
		if d, ok := r.tryHint(req, eligible, estimatedOutputTokens); ok {
			return d, nil
		}
		if !req.Fallback {
			return Decision{WaitHint: admissionTolerance}, nil
		}
	}

	return r.scoreAndSelect(req, eligible, estimatedOutputTokens, req.ProviderHint != "")
}

func (r *Router) tryHint(req *domain.Request, eligible []*domain.Provider, estimatedOutputTokens int) (Decision, bool) {
	for _, p := range eligible {
		if p.ID != req.ProviderHint {
			continue
		}
		if err := r.breakerAllows(p.ID); err != nil {
			return Decision{}, false
		}
		estCost := cost.EstimateCost(p.Limits, req.EstimatedTokens, estimatedOutputTokens)
		admitted := r.capacityMgr.HasAvailableCapacity(req.Context(), p.ID, req.EstimatedTokens+estimatedOutputTokens)
		if admitted {
			return Decision{Provider: p, EstimatedCost: estCost}, true
		}
		return Decision{}, false
	}
	return Decision{}, false
}

func (r *Router) breakerAllows(providerID string) error {
	if r.breakers == nil {
		return nil
	}
	return r.breakers.Allow(providerID)
}

func (r *Router) scoreAndSelect(req *domain.Request, eligible []*domain.Provider, estimatedOutputTokens int, fallbackUsed bool) (Decision, error) {
	var candidates []candidate
	for _, p := range eligible {
		if r.breakerAllows(p.ID) != nil {
			continue
		}
		admitted := r.capacityMgr.HasAvailableCapacity(req.Context(), p.ID, req.EstimatedTokens+estimatedOutputTokens)
		if !admitted {
			// Within tolerance, an EWMA-estimated wait still keeps the
			// candidate eligible (spec §4.5).
			state, ok := r.capacityMgr.State(p.ID)
			estWait := time.Duration(state.AverageProcessingMs) * time.Millisecond
			if !ok || estWait > admissionTolerance {
				continue
			}
		}
		estCost := cost.EstimateCost(p.Limits, req.EstimatedTokens, estimatedOutputTokens)
		candidates = append(candidates, candidate{
			provider:    p,
			admittedNow: admitted,
			estCost:     estCost,
			score:       r.score(p, admitted, estCost),
		})
	}

	if len(candidates) == 0 {
		return Decision{WaitHint: admissionTolerance}, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		// Tie-break: lower expected wait, then lower id (spec §4.5).
		wi, wj := expectedWait(candidates[i]), expectedWait(candidates[j])
		if wi != wj {
			return wi < wj
		}
		return candidates[i].provider.ID < candidates[j].provider.ID
	})

	best := candidates[0]
	return Decision{
		Provider:      best.provider,
		FallbackUsed:  fallbackUsed,
		EstimatedCost: best.estCost,
	}, nil
}

func expectedWait(c candidate) time.Duration {
	if c.admittedNow {
		return 0
	}
	return time.Hour // non-admitted-but-within-tolerance candidates sort after every admitted one
}
