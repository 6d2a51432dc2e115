// Package queue implements the Priority Request Queue (spec §4.4): an
// ordered set keyed by priority score with per-second aging, retry
// rescheduling and cancellation, backed by the coordination store's
// sorted sets. The store abstraction (internal/store) already gives
// score-ordered retrieval, so this single implementation serves both
// the in-process (MemoryStore) and horizontally-replicated
// (RedisStore) deployment modes described in SPEC_FULL.md — there is no
// separate heap-based type, following the teacher's convention of one
// concrete type per concern. The aging math and enqueue/cancel shape
// are grounded on the pack's heap-based RequestQueue
// (other_examples/.../queue.go), generalized from a static priority
// enum into the continuously-aging score this spec requires.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/scttfrdmn/airouter/internal/audit"
	"github.com/scttfrdmn/airouter/internal/config"
	"github.com/scttfrdmn/airouter/internal/domain"
	"github.com/scttfrdmn/airouter/internal/errkind"
	"github.com/scttfrdmn/airouter/internal/ratelimit"
	"github.com/scttfrdmn/airouter/internal/store"
)

const (
	keyPending    = "queue:pending"
	keyProcessing = "queue:processing"
	keyCompleted  = "queue:completed"
	keyFailed     = "queue:failed"

	completedTTL = 24 * time.Hour
	failedTTL    = 7 * 24 * time.Hour
)

// tierMultiplier scales priorityWeight by submitter tier. spec.md names
// the tierMultiplier term but leaves its values to the implementation;
// this decision is recorded in DESIGN.md.
var tierMultiplier = map[domain.Tier]float64{
	domain.TierBasic:      1.0,
	domain.TierPremium:    1.2,
	domain.TierEnterprise: 1.5,
}

// Queue is the priority request queue.
type Queue struct {
	store    store.Store
	weights  config.PriorityWeights
	queueLen int
	limiter  *ratelimit.Limiter
	audit    *audit.Logger

	registry *registry
}

// registry tracks in-flight *domain.Request objects by id so a pop can
// hand back the live, cancellable Request rather than a serialized
// copy. Queue state in the store never carries request bodies (spec's
// "persistence is scoped to metrics and queue state, never bodies").
// A terminal entry is retained (not deleted) until its expiry so
// GET /requests/{id} can still report the outcome; expiry mirrors the
// terminal set's own store TTL (completedTTL/failedTTL).
type registry struct {
	mu      chan struct{}
	items   map[string]*domain.QueuedRequest
	expires map[string]time.Time
}

func newRegistry() *registry {
	r := &registry{
		mu:      make(chan struct{}, 1),
		items:   make(map[string]*domain.QueuedRequest),
		expires: make(map[string]time.Time),
	}
	r.mu <- struct{}{}
	return r
}

func (r *registry) lock()   { <-r.mu }
func (r *registry) unlock() { r.mu <- struct{}{} }

func (r *registry) put(qr *domain.QueuedRequest) {
	r.lock()
	defer r.unlock()
	r.items[qr.Request.ID] = qr
}

func (r *registry) get(id string) (*domain.QueuedRequest, bool) {
	r.lock()
	defer r.unlock()
	if exp, ok := r.expires[id]; ok && time.Now().After(exp) {
		delete(r.items, id)
		delete(r.expires, id)
		return nil, false
	}
	qr, ok := r.items[id]
	return qr, ok
}

func (r *registry) delete(id string) {
	r.lock()
	defer r.unlock()
	delete(r.items, id)
	delete(r.expires, id)
}

// retainUntil keeps qr in the registry (for result lookup) but makes it
// eligible for eviction on the next get() after ttl elapses.
func (r *registry) retainUntil(id string, ttl time.Duration) {
	r.lock()
	defer r.unlock()
	r.expires[id] = time.Now().Add(ttl)
}

// New constructs a Queue against the coordination store.
func New(st store.Store, weights config.PriorityWeights, limiter *ratelimit.Limiter, auditLogger *audit.Logger) *Queue {
	return &Queue{store: st, weights: weights, limiter: limiter, audit: auditLogger, registry: newRegistry()}
}

func priorityWeight(weights config.PriorityWeights, p domain.Priority) float64 {
	switch p {
	case domain.PriorityCritical:
		return weights.Critical
	case domain.PriorityHigh:
		return weights.High
	case domain.PriorityMedium:
		return weights.Medium
	default:
		return weights.Low
	}
}

func baseScore(weights config.PriorityWeights, priority domain.Priority, tier domain.Tier) float64 {
	mult, ok := tierMultiplier[tier]
	if !ok {
		mult = 1.0
	}
	return -(priorityWeight(weights, priority) * mult)
}

// Enqueue admits req into the pending set after a tier rate-limit
// check (spec §4.4). It fails with RATE_LIMITED if the submitter's tier
// limits are exceeded.
func (q *Queue) Enqueue(ctx context.Context, req *domain.Request) (*domain.QueuedRequest, error) {
	decision, err := q.limiter.AllowRequest(ctx, req.SubmitterUserID, string(req.Tier))
	if err != nil {
		return nil, fmt.Errorf("queue: rate limit check: %w", err)
	}
	if !decision.Allowed {
		return nil, errkind.New(errkind.RateLimited, "tier request-per-minute limit exceeded").
			WithWaitHint(decision.WaitHint.Seconds())
	}

	burstDecision, err := q.limiter.AllowBurstForTier(ctx, req.SubmitterUserID, string(req.Tier))
	if err != nil {
		return nil, fmt.Errorf("queue: burst check: %w", err)
	}
	if !burstDecision.Allowed {
		return nil, errkind.New(errkind.RateLimited, "tier burst capacity exhausted, cooling down").
			WithWaitHint(burstDecision.WaitHint.Seconds())
	}

	now := time.Now()
	qr := &domain.QueuedRequest{
		Request:     req,
		CreatedAt:   now,
		ScheduledAt: now,
		Status:      domain.StatusPending,
		Score:       baseScore(q.weights, req.Priority, req.Tier),
	}

	if err := q.store.ZAdd(ctx, keyPending, store.Z{Score: qr.Score, Member: req.ID}); err != nil {
		return nil, fmt.Errorf("queue: enqueue: %w", err)
	}
	q.registry.put(qr)

	if q.audit != nil {
		q.audit.Emit(audit.New(ctx, audit.Enqueued, audit.SeverityInfo, "request enqueued").
			WithMetadata("requestId", req.ID).WithMetadata("tier", string(req.Tier)).WithMetadata("priority", string(req.Priority)))
	}
	return qr, nil
}

// effectiveScore folds in the per-second age bonus (spec §4.4).
func effectiveScore(base float64, createdAt time.Time, now time.Time) float64 {
	ageBonus := now.Sub(createdAt).Seconds()
	return base - ageBonus
}

// PopBatch atomically removes up to n lowest-effective-score pending
// entries whose scheduledAt ≤ now, moving each to the processing set.
func (q *Queue) PopBatch(ctx context.Context, n int) ([]*domain.QueuedRequest, error) {
	if n <= 0 {
		return nil, nil
	}
	// Pending members are stored at baseScore (plus any retry delay);
	// the age bonus differs per entry, so effective scores are
	// recomputed and re-sorted below, and entries whose ScheduledAt is
	// still in the future are skipped.
	all, err := q.store.ZRangeByScore(ctx, keyPending, -1e18, 1e18)
	if err != nil {
		return nil, fmt.Errorf("queue: pop batch: %w", err)
	}

	now := time.Now()
	type scored struct {
		qr    *domain.QueuedRequest
		score float64
	}
	var eligible []scored
	for _, z := range all {
		qr, ok := q.registry.get(z.Member)
		if !ok {
			continue
		}
		if qr.ScheduledAt.After(now) {
			continue
		}
		eligible = append(eligible, scored{qr: qr, score: effectiveScore(qr.Score, qr.CreatedAt, now)})
	}

	// ascending effective score = highest priority first
	for i := 0; i < len(eligible); i++ {
		for j := i + 1; j < len(eligible); j++ {
			if eligible[j].score < eligible[i].score {
				eligible[i], eligible[j] = eligible[j], eligible[i]
			}
		}
	}

	if n > len(eligible) {
		n = len(eligible)
	}

	out := make([]*domain.QueuedRequest, 0, n)
	for i := 0; i < n; i++ {
		qr := eligible[i].qr
		if err := q.store.ZRem(ctx, keyPending, qr.Request.ID); err != nil {
			return out, fmt.Errorf("queue: remove from pending: %w", err)
		}
		if err := q.store.ZAdd(ctx, keyProcessing, store.Z{Score: float64(now.UnixNano()), Member: qr.Request.ID}); err != nil {
			return out, fmt.Errorf("queue: add to processing: %w", err)
		}
		qr.Status = domain.StatusDispatched
		out = append(out, qr)
	}
	return out, nil
}

// ScheduleRetry re-inserts qr into pending with its eligibility deferred
// by delay (spec §4.4): scheduledAt = now + delay, score increased by
// delay so aging does not make it eligible before its scheduled time.
func (q *Queue) ScheduleRetry(ctx context.Context, qr *domain.QueuedRequest, delay time.Duration) error {
	now := time.Now()
	qr.ScheduledAt = now.Add(delay)
	qr.Score += delay.Seconds()
	qr.Status = domain.StatusRetryScheduled

	if err := q.store.ZRem(ctx, keyProcessing, qr.Request.ID); err != nil {
		return fmt.Errorf("queue: remove from processing: %w", err)
	}
	if err := q.store.ZAdd(ctx, keyPending, store.Z{Score: qr.Score, Member: qr.Request.ID}); err != nil {
		return fmt.Errorf("queue: reschedule: %w", err)
	}
	if q.audit != nil {
		q.audit.Emit(audit.New(ctx, audit.RetryScheduled, audit.SeverityInfo, "retry scheduled").
			WithMetadata("requestId", qr.Request.ID).WithMetadata("delaySeconds", delay.Seconds()))
	}
	return nil
}

// Cancel removes requestID from pending if present; if it is already
// processing, it marks the request cancelled so the orchestrator aborts
// at the next suspension point. Idempotent.
func (q *Queue) Cancel(ctx context.Context, requestID string) error {
	qr, ok := q.registry.get(requestID)
	if !ok {
		return errkind.New(errkind.NotFound, "request not found")
	}

	if qr.Status == domain.StatusPending || qr.Status == domain.StatusRetryScheduled {
		if err := q.store.ZRem(ctx, keyPending, requestID); err != nil {
			return fmt.Errorf("queue: cancel pending: %w", err)
		}
		qr.Status = domain.StatusCancelled
		if err := q.moveToTerminal(ctx, qr); err != nil {
			return err
		}
		return nil
	}

	qr.Request.Cancel()
	return nil
}

// Complete moves qr to the completed terminal set, truncated to a 24h
// window (spec §4.4).
func (q *Queue) Complete(ctx context.Context, qr *domain.QueuedRequest) error {
	qr.Status = domain.StatusCompleted
	return q.finishProcessing(ctx, qr, keyCompleted, completedTTL, audit.Completed)
}

// Fail moves qr to the failed terminal set (7 day TTL).
func (q *Queue) Fail(ctx context.Context, qr *domain.QueuedRequest) error {
	qr.Status = domain.StatusFailed
	return q.finishProcessing(ctx, qr, keyFailed, failedTTL, audit.Failed)
}

// TimeOut moves qr to the failed terminal set tagged as timed out.
func (q *Queue) TimeOut(ctx context.Context, qr *domain.QueuedRequest) error {
	qr.Status = domain.StatusTimedOut
	return q.finishProcessing(ctx, qr, keyFailed, failedTTL, audit.TimedOut)
}

func (q *Queue) finishProcessing(ctx context.Context, qr *domain.QueuedRequest, key string, ttl time.Duration, evt audit.EventType) error {
	if err := q.store.ZRem(ctx, keyProcessing, qr.Request.ID); err != nil {
		return fmt.Errorf("queue: remove from processing: %w", err)
	}
	now := time.Now()
	if err := q.store.ZAdd(ctx, key, store.Z{Score: float64(now.UnixNano()), Member: qr.Request.ID}); err != nil {
		return fmt.Errorf("queue: add to terminal set: %w", err)
	}
	if err := q.store.Expire(ctx, key, ttl); err != nil {
		return fmt.Errorf("queue: set terminal TTL: %w", err)
	}
	if err := q.truncateByAge(ctx, key, ttl); err != nil {
		return fmt.Errorf("queue: truncate terminal set: %w", err)
	}
	qr.CompletedAt = now
	q.registry.retainUntil(qr.Request.ID, ttl)
	if q.audit != nil {
		q.audit.Emit(audit.New(ctx, evt, audit.SeverityInfo, "request reached a terminal state").
			WithMetadata("requestId", qr.Request.ID))
	}
	return nil
}

func (q *Queue) moveToTerminal(ctx context.Context, qr *domain.QueuedRequest) error {
	return q.finishProcessing(ctx, qr, keyFailed, failedTTL, audit.Cancelled)
}

// Cancelled finalizes qr as cancelled once it has already been popped
// into the processing set (spec §4.4/§4.7: cancellation is reachable
// from any state).
func (q *Queue) Cancelled(ctx context.Context, qr *domain.QueuedRequest) error {
	qr.Status = domain.StatusCancelled
	return q.finishProcessing(ctx, qr, keyFailed, failedTTL, audit.Cancelled)
}

func (q *Queue) truncateByAge(ctx context.Context, key string, window time.Duration) error {
	cutoff := time.Now().Add(-window)
	_, err := q.store.ZRemRangeByScore(ctx, key, 0, float64(cutoff.UnixNano()))
	return err
}

// Get returns the live or recently-terminal QueuedRequest for id, if
// still tracked (pending/processing entries are always available;
// terminal ones until their terminal-set TTL elapses).
func (q *Queue) Get(id string) (*domain.QueuedRequest, bool) {
	return q.registry.get(id)
}

// PendingLength reports the current size of the pending set. It is not
// fed into the Capacity Manager's QueueLength.
func (q *Queue) PendingLength(ctx context.Context) (int64, error) {
	return q.store.ZCard(ctx, keyPending)
}

// PendingIDs returns the request ids currently in the pending set, for
// crash-recovery snapshotting. Never includes request bodies.
func (q *Queue) PendingIDs(ctx context.Context) ([]string, error) {
	return q.memberIDs(ctx, keyPending)
}

// ProcessingIDs returns the request ids currently in the processing set.
func (q *Queue) ProcessingIDs(ctx context.Context) ([]string, error) {
	return q.memberIDs(ctx, keyProcessing)
}

func (q *Queue) memberIDs(ctx context.Context, key string) ([]string, error) {
	zs, err := q.store.ZRangeByScore(ctx, key, -1e18, 1e18)
	if err != nil {
		return nil, fmt.Errorf("queue: list members of %s: %w", key, err)
	}
	ids := make([]string, 0, len(zs))
	for _, z := range zs {
		ids = append(ids, z.Member)
	}
	return ids, nil
}

// EnsureWithinLimit rejects enqueue with QUEUE_FULL once pending length
// reaches limit (spec §5 backpressure).
func (q *Queue) EnsureWithinLimit(ctx context.Context, limit int) error {
	n, err := q.PendingLength(ctx)
	if err != nil {
		return fmt.Errorf("queue: check length: %w", err)
	}
	if int(n) >= limit {
		return errkind.New(errkind.QueueFull, "queue length limit reached")
	}
	return nil
}
