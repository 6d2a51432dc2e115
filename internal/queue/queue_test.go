package queue

import (
	"context"
	"testing"
	"time"

	"github.com/scttfrdmn/airouter/internal/config"
	"github.com/scttfrdmn/airouter/internal/domain"
	"github.com/scttfrdmn/airouter/internal/ratelimit"
	"github.com/scttfrdmn/airouter/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	cfg := config.Default()
	st := store.NewMemoryStore()
	limiter := ratelimit.New(st, cfg.Tiers, cfg.Burst, nil)
	return New(st, cfg.PriorityWeights, limiter, nil)
}

func newTierRequest(tier domain.Tier, priority domain.Priority) *domain.Request {
	req := domain.NewRequest(context.Background(), time.Minute)
	req.SubmitterUserID = "user-1"
	req.Tier = tier
	req.Priority = priority
	return req
}

func TestEnqueue_OrdersByPriorityScore(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	low, err := q.Enqueue(ctx, newTierRequest(domain.TierBasic, domain.PriorityLow))
	if err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	critical, err := q.Enqueue(ctx, newTierRequest(domain.TierBasic, domain.PriorityCritical))
	if err != nil {
		t.Fatalf("enqueue critical: %v", err)
	}

	if !(critical.Score < low.Score) {
		t.Fatalf("expected critical score %f to be lower (higher priority) than low score %f", critical.Score, low.Score)
	}

	batch, err := q.PopBatch(ctx, 2)
	if err != nil {
		t.Fatalf("pop batch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 popped entries, got %d", len(batch))
	}
	if batch[0].Request.ID != critical.Request.ID {
		t.Fatalf("expected critical-priority request to pop first, got %s", batch[0].Request.ID)
	}
}

func TestEnqueue_TierMultiplierBreaksTiesWithinPriority(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	basic, err := q.Enqueue(ctx, newTierRequest(domain.TierBasic, domain.PriorityMedium))
	if err != nil {
		t.Fatalf("enqueue basic: %v", err)
	}
	enterprise, err := q.Enqueue(ctx, newTierRequest(domain.TierEnterprise, domain.PriorityMedium))
	if err != nil {
		t.Fatalf("enqueue enterprise: %v", err)
	}

	if !(enterprise.Score < basic.Score) {
		t.Fatalf("expected enterprise tier score %f to be lower than basic tier score %f at equal priority", enterprise.Score, basic.Score)
	}
}

func TestPopBatch_RespectsScheduledRetryDelay(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	qr, err := q.Enqueue(ctx, newTierRequest(domain.TierBasic, domain.PriorityHigh))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	popped, err := q.PopBatch(ctx, 1)
	if err != nil || len(popped) != 1 {
		t.Fatalf("expected to pop the single entry, got %d err %v", len(popped), err)
	}

	if err := q.ScheduleRetry(ctx, qr, time.Hour); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}

	again, err := q.PopBatch(ctx, 1)
	if err != nil {
		t.Fatalf("pop after reschedule: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected the rescheduled entry to stay ineligible until its delay elapses, got %d", len(again))
	}
}

func TestCancel_PendingRequestRemovedFromQueue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	qr, err := q.Enqueue(ctx, newTierRequest(domain.TierBasic, domain.PriorityMedium))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Cancel(ctx, qr.Request.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	n, err := q.PendingLength(ctx)
	if err != nil {
		t.Fatalf("pending length: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected pending length 0 after cancel, got %d", n)
	}
}

func TestCancel_UnknownRequestReturnsNotFound(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Cancel(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected an error cancelling an unknown request")
	}
}

func TestComplete_MovesOutOfProcessing(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, newTierRequest(domain.TierBasic, domain.PriorityMedium))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	popped, err := q.PopBatch(ctx, 1)
	if err != nil || len(popped) != 1 {
		t.Fatalf("pop batch: %d %v", len(popped), err)
	}

	if err := q.Complete(ctx, popped[0]); err != nil {
		t.Fatalf("complete: %v", err)
	}

	n, err := q.store.ZCard(ctx, keyProcessing)
	if err != nil {
		t.Fatalf("zcard processing: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected processing set empty after complete, got %d", n)
	}
}

func TestEnsureWithinLimit_RejectsAtCapacity(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, newTierRequest(domain.TierBasic, domain.PriorityLow)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.EnsureWithinLimit(ctx, 1); err == nil {
		t.Fatal("expected EnsureWithinLimit to reject once pending length reaches the limit")
	}
	if err := q.EnsureWithinLimit(ctx, 2); err != nil {
		t.Fatalf("expected EnsureWithinLimit to allow under the limit, got %v", err)
	}
}
