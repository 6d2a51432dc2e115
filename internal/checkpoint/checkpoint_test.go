package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/scttfrdmn/airouter/internal/config"
	"github.com/scttfrdmn/airouter/internal/domain"
	"github.com/scttfrdmn/airouter/internal/queue"
	"github.com/scttfrdmn/airouter/internal/ratelimit"
	"github.com/scttfrdmn/airouter/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *queue.Queue) {
	t.Helper()
	cfg := config.Default()
	st := store.NewMemoryStore()
	limiter := ratelimit.New(st, cfg.Tiers, cfg.Burst, nil)
	q := queue.New(st, cfg.PriorityWeights, limiter, nil)
	return New(st, q, time.Minute, 5, nil), q
}

func TestSnapshot_CapturesPendingAndProcessingCounts(t *testing.T) {
	mgr, q := newTestManager(t)
	ctx := context.Background()

	req := domain.NewRequest(ctx, time.Minute)
	req.SubmitterUserID = "user-1"
	req.Tier = domain.TierBasic
	req.Priority = domain.PriorityMedium
	if _, err := q.Enqueue(ctx, req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	snap, err := mgr.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.PendingCount != 1 {
		t.Fatalf("expected pending count 1, got %d", snap.PendingCount)
	}
	if len(snap.PendingIDs) != 1 || snap.PendingIDs[0] != req.ID {
		t.Fatalf("expected pending ids to contain %s, got %v", req.ID, snap.PendingIDs)
	}
}

func TestLatest_ReturnsMostRecentSnapshot(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	if _, ok, err := mgr.Latest(ctx); err != nil || ok {
		t.Fatalf("expected no snapshot yet, got ok=%v err=%v", ok, err)
	}

	first, err := mgr.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	latest, ok, err := mgr.Latest(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !ok {
		t.Fatal("expected a latest snapshot")
	}
	if latest.SnapshotID != first.SnapshotID {
		t.Fatalf("expected latest snapshot id %s, got %s", first.SnapshotID, latest.SnapshotID)
	}
}

func TestHistory_RetainsMultipleSnapshots(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := mgr.Snapshot(ctx); err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
	}

	history, err := mgr.History(ctx, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 retained snapshots, got %d", len(history))
	}
}

func TestStartStop_RunsWithoutPanicking(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Start to return after context cancellation")
	}
}
