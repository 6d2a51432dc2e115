// Package capacity implements the Capacity Manager (spec §4.2): the
// per-provider admission gate that tracks concurrent slots, sliding
// request/token windows, queue depth and a derived health score, in the
// manner of the teacher's registry.go heartbeat/prune-loop pattern but
// applied to provider throughput rather than agent liveness.
package capacity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scttfrdmn/airouter/internal/config"
	"github.com/scttfrdmn/airouter/internal/domain"
	"github.com/scttfrdmn/airouter/internal/store"
)

// Manager owns live capacity accounting for every registered provider.
type Manager struct {
	cfg   config.CapacityConfig
	store store.Store
	log   *slog.Logger

	mu        sync.Mutex
	providers map[string]*domain.Provider
	states    map[string]*domain.CapacityState

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Manager. providers seeds the initial registry; more
// can be added later with Register.
func New(cfg config.CapacityConfig, st store.Store, log *slog.Logger, providers []*domain.Provider) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		store:     st,
		log:       log,
		providers: make(map[string]*domain.Provider),
		states:    make(map[string]*domain.CapacityState),
		stopCh:    make(chan struct{}),
	}
	for _, p := range providers {
		m.Register(p)
	}
	return m
}

// Register adds or replaces a provider's declared limits.
func (m *Manager) Register(p *domain.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.ID] = p
	if _, ok := m.states[p.ID]; !ok {
		m.states[p.ID] = &domain.CapacityState{}
	}
}

func windowKey(providerID, period string, bucket int64) string {
	return fmt.Sprintf("window:%s:%s:%d", providerID, period, bucket)
}

func bucketStart(period string, t time.Time) (int64, time.Duration) {
	switch period {
	case "minute":
		b := t.Truncate(time.Minute)
		return b.Unix(), time.Minute
	case "hour":
		b := t.Truncate(time.Hour)
		return b.Unix(), time.Hour
	default: // day
		b := t.Truncate(24 * time.Hour)
		return b.Unix(), 24 * time.Hour
	}
}

// HasAvailableCapacity reports whether providerID can admit one more
// request right now (spec §4.2's six rejection conditions).
func (m *Manager) HasAvailableCapacity(ctx context.Context, providerID string, estimatedTokens int) bool {
	m.mu.Lock()
	p, ok := m.providers[providerID]
	state := m.states[providerID]
	m.mu.Unlock()
	if !ok || state == nil {
		return false
	}

	if state.AvailableSlots(p.Limits.MaxConcurrent) <= 0 {
		return false
	}
	if state.QueueLength >= m.cfg.QueueLengthLimit {
		return false
	}
	if p.HealthScore < 0.5 {
		return false
	}
	utilization := float64(state.Active+state.Reserved) / float64(maxInt(p.Limits.MaxConcurrent, 1))
	if utilization > m.cfg.OverloadProtection {
		return false
	}

	reqs, tokens, err := m.windowCounts(ctx, providerID, "minute")
	if err != nil {
		m.log.Warn("capacity: window read failed, failing open", "provider", providerID, "error", err)
		return true
	}
	if p.Limits.RequestsPerMinute > 0 && reqs >= int64(p.Limits.RequestsPerMinute) {
		return false
	}
	if p.Limits.TokensPerMinute > 0 && tokens+int64(estimatedTokens) > int64(p.Limits.TokensPerMinute) {
		return false
	}
	return true
}

func (m *Manager) windowCounts(ctx context.Context, providerID, period string) (requests, tokens int64, err error) {
	bucket, span := bucketStart(period, time.Now())
	key := windowKey(providerID, period, bucket)
	fields, err := m.store.HGetAll(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	_ = span
	requests = parseCounter(fields["requests"])
	tokens = parseCounter(fields["tokens"])
	return requests, tokens, nil
}

func parseCounter(s string) int64 {
	var n int64
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}

// Reserve atomically increments the reserved-request counter for
// providerID (MarkExecuting later moves the slot into the active
// count). It never blocks — callers must have already confirmed
// HasAvailableCapacity, but Reserve re-checks under lock to avoid a
// race between two admitted requests for the last slot.
func (m *Manager) Reserve(ctx context.Context, providerID string, priority domain.Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[providerID]
	if !ok {
		return fmt.Errorf("capacity: unknown provider %q", providerID)
	}
	state := m.states[providerID]
	if state.AvailableSlots(p.Limits.MaxConcurrent) <= 0 {
		return fmt.Errorf("capacity: provider %q has no available slots", providerID)
	}
	state.Reserved++
	return nil
}

// Release frees one slot, decrementing the active counter (or the
// reserved counter when no slot is active), and updates the EWMA of
// processing time per spec §4.2: avg ← 0.9·avg + 0.1·observed.
func (m *Manager) Release(ctx context.Context, providerID string, processingTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[providerID]
	if !ok {
		return
	}
	if state.Active > 0 {
		state.Active--
	} else if state.Reserved > 0 {
		state.Reserved--
	}
	observed := float64(processingTime.Milliseconds())
	if state.AverageProcessingMs == 0 {
		state.AverageProcessingMs = observed
	} else {
		state.AverageProcessingMs = 0.9*state.AverageProcessingMs + 0.1*observed
	}
}

// MarkExecuting moves a reserved slot into the active count once the
// adapter call actually begins.
func (m *Manager) MarkExecuting(providerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[providerID]
	if !ok {
		return
	}
	if state.Reserved > 0 {
		state.Reserved--
		state.Active++
	}
}

// RecordUsage appends a request/token observation into the provider's
// current sliding-window buckets (minute, hour, day), each TTL'd to
// twice its window length.
func (m *Manager) RecordUsage(ctx context.Context, providerID string, tokens int) error {
	now := time.Now()
	for _, period := range []string{"minute", "hour", "day"} {
		bucket, span := bucketStart(period, now)
		key := windowKey(providerID, period, bucket)
		if _, err := m.store.HIncrByFloat(ctx, key, "requests", 1); err != nil {
			return fmt.Errorf("capacity: record requests: %w", err)
		}
		if _, err := m.store.HIncrByFloat(ctx, key, "tokens", float64(tokens)); err != nil {
			return fmt.Errorf("capacity: record tokens: %w", err)
		}
		if err := m.store.Expire(ctx, key, 2*span); err != nil {
			return fmt.Errorf("capacity: expire window: %w", err)
		}
	}
	return nil
}

// SetQueueLength updates the provider-scoped queue depth used by
// HasAvailableCapacity. Nothing in this module calls it, so QueueLength
// stays at zero unless a caller sets it.
func (m *Manager) SetQueueLength(providerID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[providerID]; ok {
		state.QueueLength = n
	}
}

// HealthScore returns the provider's current cached health score.
func (m *Manager) HealthScore(providerID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.providers[providerID]; ok {
		return p.HealthScore
	}
	return 0
}

// UpdatePerformance folds freshly computed latency percentiles and
// success rate into the provider record, so the Router's scoring
// formula (spec §4.5) and GET /providers (spec §6) see the Metrics &
// Health Scorer's (spec §4.9) output without either package reaching
// into the other's storage.
func (m *Manager) UpdatePerformance(providerID string, p50Ms, p95Ms, successRate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[providerID]
	if !ok {
		return
	}
	p.P50LatencyMs = p50Ms
	p.P95LatencyMs = p95Ms
	p.SuccessRate = successRate
}

// Utilization returns providerID's current concurrent-slot utilization
// (active+reserved over maxConcurrent), the capacityUtilization input to
// the Metrics & Health Scorer's alert thresholds (spec §4.9).
func (m *Manager) Utilization(providerID string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[providerID]
	state, ok2 := m.states[providerID]
	if !ok || !ok2 {
		return 0, false
	}
	return float64(state.Active+state.Reserved) / float64(maxInt(p.Limits.MaxConcurrent, 1)), true
}

// State returns a snapshot of the provider's live capacity state.
func (m *Manager) State(providerID string) (domain.CapacityState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[providerID]
	if !ok {
		return domain.CapacityState{}, false
	}
	return *s, true
}

// ProviderIDs returns every registered provider id, for callers (e.g.
// internal/metrics's sweep) that only need the key set, not the full
// snapshot.
func (m *Manager) ProviderIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.providers))
	for id := range m.providers {
		out = append(out, id)
	}
	return out
}

// Providers returns every registered provider, snapshotted.
func (m *Manager) Providers() []*domain.Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// StartHealthSweep runs the periodic health-score recomputation (spec
// §4.2: score = 0.4·(1−concurrentUtil) + 0.3·(1−rateUtil) +
// 0.3·(1−queueUtil)) until ctx is cancelled.
func (m *Manager) StartHealthSweep(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MonitoringInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

// Stop halts the health sweep goroutine.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.providers))
	for id := range m.providers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		p := m.providers[id]
		state := m.states[id]
		m.mu.Unlock()
		if p == nil || state == nil {
			continue
		}

		reqs, _, err := m.windowCounts(ctx, id, "minute")
		if err != nil {
			m.log.Warn("capacity: health sweep window read failed", "provider", id, "error", err)
			continue
		}

		concurrentUtil := float64(state.Active+state.Reserved) / float64(maxInt(p.Limits.MaxConcurrent, 1))
		rateUtil := 0.0
		if p.Limits.RequestsPerMinute > 0 {
			rateUtil = float64(reqs) / float64(p.Limits.RequestsPerMinute)
		}
		queueUtil := float64(state.QueueLength) / float64(maxInt(m.cfg.QueueLengthLimit, 1))

		score := 0.4*(1-clamp01(concurrentUtil)) + 0.3*(1-clamp01(rateUtil)) + 0.3*(1-clamp01(queueUtil))

		m.mu.Lock()
		p.HealthScore = score
		m.mu.Unlock()

		switch {
		case concurrentUtil >= m.cfg.CriticalUtilization:
			m.log.Warn("capacity: critical utilization", "provider", id, "utilization", concurrentUtil)
		case concurrentUtil >= m.cfg.WarningUtilization:
			m.log.Info("capacity: warning utilization", "provider", id, "utilization", concurrentUtil)
		}
	}
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

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
