// Package checkpoint implements the periodic queue-state snapshotting
// supplemented feature: a rolling record of queue depth and in-flight
// request ids for crash-recovery observability. Snapshots never carry
// request bodies (spec.md's persistence is scoped to metrics and queue
// state) — on restart a snapshot tells an operator what was in flight
// and for how long, it does not reconstruct the requests themselves.
// Adapted from the teacher's checkpointing/manager.go periodic-trigger
// and prune-by-count idiom, and checkpoint.go's JSON envelope, narrowed
// from full per-agent-step state capture to queue-depth snapshots.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scttfrdmn/airouter/internal/queue"
	"github.com/scttfrdmn/airouter/internal/store"
)

const (
	latestKey  = "checkpoint:latest"
	historyKey = "checkpoint:history"
)

// Snapshot captures queue depth and in-flight ids at a point in time.
// No request body, message content, or provider payload is ever stored
// here.
type Snapshot struct {
	SnapshotID       string    `json:"snapshot_id"`
	Timestamp        time.Time `json:"timestamp"`
	PendingCount     int64     `json:"pending_count"`
	ProcessingCount  int64     `json:"processing_count"`
	PendingIDs       []string  `json:"pending_ids"`
	ProcessingIDs    []string  `json:"processing_ids"`
}

func (s *Snapshot) toJSON() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshal snapshot: %w", err)
	}
	return string(data), nil
}

func fromJSON(data string) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// Manager periodically snapshots a Queue's pending/processing sets into
// the coordination store.
type Manager struct {
	store    store.Store
	queue    *queue.Queue
	log      *slog.Logger
	keepLast int
	interval time.Duration

	stopCh chan struct{}
}

// New constructs a Manager. keepLast bounds the retained history list
// (a 0 or negative value keeps the teacher's PruneOldCheckpoints default
// of 100).
func New(st store.Store, q *queue.Queue, interval time.Duration, keepLast int, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if keepLast <= 0 {
		keepLast = 100
	}
	return &Manager{store: st, queue: q, log: log, keepLast: keepLast, interval: interval, stopCh: make(chan struct{})}
}

// Snapshot captures current queue state and records it as the latest
// checkpoint plus an entry in the bounded history list.
func (m *Manager) Snapshot(ctx context.Context) (*Snapshot, error) {
	pendingIDs, err := m.queue.PendingIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list pending: %w", err)
	}
	processingIDs, err := m.queue.ProcessingIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list processing: %w", err)
	}

	snap := &Snapshot{
		SnapshotID:      uuid.NewString(),
		Timestamp:       time.Now().UTC(),
		PendingCount:    int64(len(pendingIDs)),
		ProcessingCount: int64(len(processingIDs)),
		PendingIDs:      pendingIDs,
		ProcessingIDs:   processingIDs,
	}

	data, err := snap.toJSON()
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, latestKey, data, 0); err != nil {
		return nil, fmt.Errorf("checkpoint: save latest: %w", err)
	}
	if err := m.store.LPush(ctx, historyKey, data, m.keepLast); err != nil {
		return nil, fmt.Errorf("checkpoint: append history: %w", err)
	}

	m.log.Info("checkpoint: snapshot recorded", "snapshotId", snap.SnapshotID,
		"pending", snap.PendingCount, "processing", snap.ProcessingCount)
	return snap, nil
}

// Latest returns the most recently recorded snapshot, if any.
func (m *Manager) Latest(ctx context.Context) (*Snapshot, bool, error) {
	data, ok, err := m.store.Get(ctx, latestKey)
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint: load latest: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	snap, err := fromJSON(data)
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// History returns up to limit of the most recent snapshots, newest
// first (0 = all retained).
func (m *Manager) History(ctx context.Context, limit int) ([]*Snapshot, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	entries, err := m.store.LRange(ctx, historyKey, 0, stop)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list history: %w", err)
	}
	out := make([]*Snapshot, 0, len(entries))
	for _, e := range entries {
		snap, err := fromJSON(e)
		if err != nil {
			m.log.Warn("checkpoint: skipping malformed history entry", "error", err)
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Start runs the periodic snapshot loop until ctx is cancelled or Stop
// is called.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if _, err := m.Snapshot(ctx); err != nil {
				m.log.Warn("checkpoint: periodic snapshot failed", "error", err)
			}
		}
	}
}

// Stop halts the periodic snapshot loop started by Start.
func (m *Manager) Stop() {
	close(m.stopCh)
}
