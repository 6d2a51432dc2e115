// Package metrics implements the Metrics & Health Scorer (spec §4.9): a
// rolling per-provider record of request outcomes, response-time
// samples and cost/quality accrual, and the idempotent alerting that
// feeds off it. It is a distinct component from internal/capacity's
// health-score sweep (spec §4.2) — capacity derives an admission gate
// from live load, this package derives the longer-running quality
// signal (p50/p95 latency, success rate) that the Router's scoring
// formula (spec §4.5) and GET /providers (spec §6) consume, and owns
// the `alerts:performance` hash the spec's persisted-state table names.
//
// Grounded on internal/cost.Tracker's mutex-guarded running-average
// bookkeeping, generalized from dollar accrual to request outcome
// counters, with response-time samples persisted through
// internal/store's list operations (the coordination store's
// `response_times:{providerId}` key, spec §6) so every replica computes
// the same percentiles.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/scttfrdmn/airouter/internal/audit"
	"github.com/scttfrdmn/airouter/internal/errkind"
	"github.com/scttfrdmn/airouter/internal/store"
)

// maxResponseTimeSamples bounds the response_times:* list (spec §6: "Last
// 1000 latencies").
const maxResponseTimeSamples = 1000

// Alert threshold constants (spec §4.9).
const (
	successRateAlertFloor    = 0.95
	p95LatencyAlertMs        = 30_000.0
	capacityUtilizationAlert = 0.9
)

// providerStats is the in-process rolling record for one provider.
// Counts are all-time running totals (spec §4.9: "total requests,
// success/failure counts by canonical error kind"); response-time
// samples and percentile derivation live in the coordination store so
// every replica agrees.
type providerStats struct {
	total          int64
	success        int64
	failuresByKind map[errkind.Kind]int64
	costAccrued    float64
	qualitySum     float64
	qualityCount   int64
}

// Snapshot is a read-only view of one provider's rolling record.
type Snapshot struct {
	ProviderID     string
	Total          int64
	Success        int64
	FailuresByKind map[errkind.Kind]int64
	SuccessRate    float64
	P50LatencyMs   float64
	P95LatencyMs   float64
	CostAccrued    float64
	QualityScore   float64 // 0 if no caller has ever reported one
}

// Recorder accrues outcomes per provider and periodically derives
// latency percentiles, success rate and alert state from them.
type Recorder struct {
	st          store.Store
	log         *slog.Logger
	auditLogger *audit.Logger

	mu    sync.Mutex
	stats map[string]*providerStats

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Recorder. auditLogger may be nil (alerts are then
// only persisted to the store, never emitted as audit events).
func New(st store.Store, auditLogger *audit.Logger, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		st:          st,
		log:         log,
		auditLogger: auditLogger,
		stats:       make(map[string]*providerStats),
		stopCh:      make(chan struct{}),
	}
}

func (r *Recorder) statsFor(providerID string) *providerStats {
	s, ok := r.stats[providerID]
	if !ok {
		s = &providerStats{failuresByKind: make(map[errkind.Kind]int64)}
		r.stats[providerID] = s
	}
	return s
}

// RecordOutcome folds one terminal attempt into providerID's rolling
// record (spec §4.9). kind is "" for a successful attempt. qualityScore
// is nil when the caller has no per-session quality signal to report
// (spec §3: "per-session quality scores if provided" — none of this
// module's adapters currently report one, so callers pass nil and the
// running mean simply never advances).
func (r *Recorder) RecordOutcome(ctx context.Context, providerID string, kind errkind.Kind, latency time.Duration, cost float64, qualityScore *float64) {
	r.mu.Lock()
	s := r.statsFor(providerID)
	s.total++
	if kind == "" {
		s.success++
	} else {
		s.failuresByKind[kind]++
	}
	s.costAccrued += cost
	if qualityScore != nil {
		s.qualitySum += *qualityScore
		s.qualityCount++
	}
	r.mu.Unlock()

	key := fmt.Sprintf("response_times:%s", providerID)
	if err := r.st.LPush(ctx, key, strconv.FormatFloat(float64(latency.Milliseconds()), 'f', -1, 64), maxResponseTimeSamples); err != nil {
		r.log.Warn("metrics: record response time failed, continuing", "provider", providerID, "error", err)
	}
	if err := r.st.Expire(ctx, key, 24*time.Hour); err != nil {
		r.log.Warn("metrics: set response time ttl failed, continuing", "provider", providerID, "error", err)
	}
}

// Snapshot returns providerID's current rolling record. p50Ms/p95Ms are
// copied into the result as given; Snapshot does not compute them.
func (r *Recorder) Snapshot(providerID string, p50Ms, p95Ms float64) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[providerID]
	if !ok {
		return Snapshot{ProviderID: providerID}
	}
	out := Snapshot{
		ProviderID:     providerID,
		Total:          s.total,
		Success:        s.success,
		FailuresByKind: make(map[errkind.Kind]int64, len(s.failuresByKind)),
		CostAccrued:    s.costAccrued,
		P50LatencyMs:   p50Ms,
		P95LatencyMs:   p95Ms,
	}
	for k, v := range s.failuresByKind {
		out.FailuresByKind[k] = v
	}
	if s.total > 0 {
		out.SuccessRate = float64(s.success) / float64(s.total)
	}
	if s.qualityCount > 0 {
		out.QualityScore = s.qualitySum / float64(s.qualityCount)
	}
	return out
}

func (r *Recorder) successRate(providerID string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[providerID]
	if !ok || s.total == 0 {
		return 0, false
	}
	return float64(s.success) / float64(s.total), true
}

// percentiles reads up to maxResponseTimeSamples latency samples for
// providerID back from the coordination store and returns (p50, p95) in
// milliseconds. Returns (0, 0, false) when no samples exist yet.
func (r *Recorder) percentiles(ctx context.Context, providerID string) (p50, p95 float64, ok bool) {
	raw, err := r.st.LRange(ctx, fmt.Sprintf("response_times:%s", providerID), 0, maxResponseTimeSamples-1)
	if err != nil {
		r.log.Warn("metrics: read response times failed", "provider", providerID, "error", err)
		return 0, 0, false
	}
	if len(raw) == 0 {
		return 0, 0, false
	}
	samples := make([]float64, 0, len(raw))
	for _, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		samples = append(samples, v)
	}
	if len(samples) == 0 {
		return 0, 0, false
	}
	sort.Float64s(samples)
	return percentile(samples, 0.50), percentile(samples, 0.95), true
}

// percentile indexes into sorted (ascending) samples at fraction f,
// clamping to the slice bounds.
func percentile(sorted []float64, f float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(f * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// PerformanceSource is the capacity manager's slice this package needs
// at sweep time: the set of known provider ids, a setter for the
// percentiles/success-rate it derives, and a utilization reader for the
// capacityUtilization alert. *capacity.Manager implements this directly.
type PerformanceSource interface {
	ProviderIDs() []string
	UpdatePerformance(providerID string, p50Ms, p95Ms, successRate float64)
	Utilization(providerID string) (float64, bool)
}

// StartSweep runs the periodic percentile/success-rate recomputation
// and alert evaluation (spec §4.9) every interval until ctx is
// cancelled.
func (r *Recorder) StartSweep(ctx context.Context, interval time.Duration, src PerformanceSource) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.sweep(ctx, src)
			}
		}
	}()
}

// Stop halts the sweep goroutine. Idempotent.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Recorder) sweep(ctx context.Context, src PerformanceSource) {
	for _, id := range src.ProviderIDs() {
		p50, p95, ok := r.percentiles(ctx, id)
		successRate, hasRate := r.successRate(id)
		if ok {
			rate := successRate
			if !hasRate {
				rate = 1.0 // no recorded outcomes yet; don't manufacture a failure signal
			}
			src.UpdatePerformance(id, p50, p95, rate)
		}

		if hasRate {
			r.evaluateAlert(ctx, id, "successRate", successRate < successRateAlertFloor,
				fmt.Sprintf("provider %s success rate %.3f fell below %.2f", id, successRate, successRateAlertFloor))
		}
		if ok {
			r.evaluateAlert(ctx, id, "p95Latency", p95 > p95LatencyAlertMs,
				fmt.Sprintf("provider %s p95 latency %.0fms exceeded %.0fms", id, p95, p95LatencyAlertMs))
		}
		if util, hasUtil := src.Utilization(id); hasUtil {
			r.evaluateAlert(ctx, id, "capacityUtilization", util > capacityUtilizationAlert,
				fmt.Sprintf("provider %s capacity utilization %.2f exceeded %.2f", id, util, capacityUtilizationAlert))
		}
	}
}

// alertRecord is the JSON value persisted per (provider, metric) field
// in the `alerts:performance` hash (spec §6).
type alertRecord struct {
	Message          string    `json:"message"`
	FirstTriggeredAt time.Time `json:"firstTriggeredAt"`
	Resolved         bool      `json:"resolved"`
	ResolvedAt       time.Time `json:"resolvedAt,omitempty"`
}

const alertsKey = "alerts:performance"

// evaluateAlert implements spec §4.9's idempotent alerting: "two alerts
// for the same (provider, metric) with the first unresolved are never
// simultaneously active" (invariant 5, spec §8). A breach while no
// unresolved alert exists creates one; a breach while one is already
// active is a no-op; recovery resolves an active alert.
func (r *Recorder) evaluateAlert(ctx context.Context, providerID, metric string, breached bool, message string) {
	field := providerID + ":" + metric
	existing, active := r.loadAlert(ctx, field)

	switch {
	case breached && !active:
		rec := alertRecord{Message: message, FirstTriggeredAt: time.Now().UTC()}
		r.storeAlert(ctx, field, rec)
		r.emitAuditAlert(ctx, audit.SeverityWarning, providerID, metric, message)
	case !breached && active:
		existing.Resolved = true
		existing.ResolvedAt = time.Now().UTC()
		r.storeAlert(ctx, field, existing)
		r.emitAuditAlert(ctx, audit.SeverityInfo, providerID, metric, fmt.Sprintf("%s: recovered", message))
	default:
		// breached&&active (stays active, no duplicate) or
		// !breached&&!active (nothing to do).
	}
}

func (r *Recorder) loadAlert(ctx context.Context, field string) (alertRecord, bool) {
	fields, err := r.st.HGetAll(ctx, alertsKey)
	if err != nil {
		r.log.Warn("metrics: read alerts hash failed, assuming no active alert", "error", err)
		return alertRecord{}, false
	}
	raw, ok := fields[field]
	if !ok {
		return alertRecord{}, false
	}
	var rec alertRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return alertRecord{}, false
	}
	return rec, !rec.Resolved
}

func (r *Recorder) storeAlert(ctx context.Context, field string, rec alertRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := r.st.HSet(ctx, alertsKey, map[string]string{field: string(data)}); err != nil {
		r.log.Warn("metrics: persist alert failed", "field", field, "error", err)
	}
}

func (r *Recorder) emitAuditAlert(ctx context.Context, sev audit.Severity, providerID, metric, message string) {
	r.log.Warn("metrics: performance alert", "provider", providerID, "metric", metric, "message", message)
	if r.auditLogger == nil {
		return
	}
	evt := audit.New(ctx, audit.CapacityAlert, sev, message).
		WithMetadata("metric", metric)
	evt.Provider = providerID
	r.auditLogger.Emit(evt)
}
