// Package ratelimit implements the two layered limiters of spec §4.3: a
// sliding-window limiter per (user, tier) backed by the coordination
// store's sorted sets, and a token-bucket burst handler per identifier,
// grounded on the teacher's middleware/rate_limiter.go token-bucket math.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/scttfrdmn/airouter/internal/config"
	"github.com/scttfrdmn/airouter/internal/store"
)

// Decision is the outcome of a rate-limit or burst check.
type Decision struct {
	Allowed  bool
	WaitHint time.Duration
}

// Limiter layers the sliding-window limiter and the burst handler.
type Limiter struct {
	store store.Store
	tiers map[string]config.TierLimits
	burst config.BurstConfig
	log   *slog.Logger
}

// New constructs a Limiter against the coordination store.
func New(st store.Store, tiers map[string]config.TierLimits, burst config.BurstConfig, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{store: st, tiers: tiers, burst: burst, log: log}
}

const slidingWindow = 60 * time.Second

// AllowRequest applies the sliding-window limiter for (userID, tier).
// Store failures fail open (allow) but are logged, per spec §4.3's
// "best-effort idempotent" persistence policy.
func (l *Limiter) AllowRequest(ctx context.Context, userID, tier string) (Decision, error) {
	limits, ok := l.tiers[tier]
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: unknown tier %q", tier)
	}

	key := fmt.Sprintf("throttle:%s", userID)
	now := time.Now()
	cutoff := now.Add(-slidingWindow)

	if _, err := l.store.ZRemRangeByScore(ctx, key, 0, float64(cutoff.UnixNano())); err != nil {
		l.log.Warn("ratelimit: evict stale window entries failed, failing open", "user", userID, "error", err)
		return Decision{Allowed: true}, nil
	}

	count, err := l.store.ZCard(ctx, key)
	if err != nil {
		l.log.Warn("ratelimit: window count failed, failing open", "user", userID, "error", err)
		return Decision{Allowed: true}, nil
	}

	if limits.RequestsPerMinute > 0 && count >= int64(limits.RequestsPerMinute) {
		oldest, err := l.store.ZRangeByScore(ctx, key, float64(cutoff.UnixNano()), float64(now.UnixNano()))
		wait := slidingWindow
		if err == nil && len(oldest) > 0 {
			oldestNanos := int64(oldest[0].Score)
			wait = time.Duration(oldestNanos) + slidingWindow - time.Duration(now.UnixNano())
			if wait < 0 {
				wait = 0
			}
		}
		return Decision{Allowed: false, WaitHint: wait}, nil
	}

	nonce := uuid.NewString()
	if err := l.store.ZAdd(ctx, key, store.Z{Score: float64(now.UnixNano()), Member: nonce}); err != nil {
		l.log.Warn("ratelimit: append window entry failed, allowing anyway", "user", userID, "error", err)
	}
	if err := l.store.Expire(ctx, key, slidingWindow); err != nil {
		l.log.Warn("ratelimit: set window TTL failed", "user", userID, "error", err)
	}
	return Decision{Allowed: true}, nil
}

// bucketState is the JSON shape persisted under burst:state:{id}.
type bucketState struct {
	CurrentTokens  float64   `json:"current_tokens"`
	LastRefillAt   time.Time `json:"last_refill_at"`
	InBurst        bool      `json:"in_burst"`
	BurstStartedAt time.Time `json:"burst_started_at"`
	CooldownUntil  time.Time `json:"cooldown_until"`
	TotalBursts    int64     `json:"total_bursts"`
}

func burstKey(id string) string { return fmt.Sprintf("burst:state:%s", id) }

func (l *Limiter) loadBucket(ctx context.Context, id string, capacity int) (bucketState, error) {
	raw, found, err := l.store.Get(ctx, burstKey(id))
	if err != nil {
		return bucketState{}, err
	}
	if !found {
		return bucketState{CurrentTokens: float64(capacity), LastRefillAt: time.Now()}, nil
	}
	var s bucketState
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return bucketState{}, fmt.Errorf("ratelimit: decode burst state: %w", err)
	}
	return s, nil
}

func (l *Limiter) saveBucket(ctx context.Context, id string, s bucketState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("ratelimit: encode burst state: %w", err)
	}
	return l.store.Set(ctx, burstKey(id), string(data), 24*time.Hour)
}

// AllowBurstForTier applies the token-bucket burst handler to
// (userID, tier), using the tier's configured BurstLimit as the
// bucket's steady-state capacity (spec §6's tiers.{tier}.burstLimit).
// It is the burst half of admission, run after AllowRequest's sliding
// window has already passed.
func (l *Limiter) AllowBurstForTier(ctx context.Context, userID, tier string) (Decision, error) {
	limits, ok := l.tiers[tier]
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: unknown tier %q", tier)
	}
	capacity := limits.BurstLimit
	if capacity <= 0 {
		capacity = l.burst.BurstSize
	}
	return l.AllowBurst(ctx, fmt.Sprintf("tier:%s:%s", tier, userID), 1, capacity)
}

// AllowBurst applies the token-bucket burst handler for identifier id,
// consuming `requested` tokens against a bucket with the given
// capacity (spec §4.3). capacity <= 0 falls back to the configured
// BurstConfig.BurstSize.
func (l *Limiter) AllowBurst(ctx context.Context, id string, requested int, capacity int) (Decision, error) {
	if capacity <= 0 {
		capacity = l.burst.BurstSize
	}
	state, err := l.loadBucket(ctx, id, capacity)
	if err != nil {
		l.log.Warn("ratelimit: load burst bucket failed, failing open", "id", id, "error", err)
		return Decision{Allowed: true}, nil
	}

	now := time.Now()

	if !state.CooldownUntil.IsZero() && now.Before(state.CooldownUntil) {
		return Decision{Allowed: false, WaitHint: state.CooldownUntil.Sub(now)}, nil
	}

	elapsed := now.Sub(state.LastRefillAt).Seconds()
	if elapsed > 0 {
		state.CurrentTokens = math.Min(float64(capacity), state.CurrentTokens+math.Floor(elapsed*l.burst.RefillRate))
		state.LastRefillAt = now
	}

	// BurstThreshold marks the bucket as "in burst" once its remaining
	// capacity fraction drops at or below the configured threshold, even
	// before it's fully drained, so MaxBurstDuration/cooldown tracking
	// starts at the first sign of sustained drawdown rather than only
	// once a request is actually rejected.
	if capacity > 0 && !state.InBurst && state.CurrentTokens/float64(capacity) <= l.burst.BurstThreshold {
		state.InBurst = true
		state.BurstStartedAt = now
		state.TotalBursts++
	}

	req := float64(requested)
	if state.CurrentTokens >= req {
		state.CurrentTokens -= req
		if state.InBurst {
			state.InBurst = false
			state.CooldownUntil = now.Add(l.burst.CooldownPeriod)
		}
		if err := l.saveBucket(ctx, id, state); err != nil {
			l.log.Warn("ratelimit: save burst bucket failed", "id", id, "error", err)
		}
		return Decision{Allowed: true}, nil
	}

	// A cooldown forbids borrowing only; requests the bucket can cover
	// are served above.
	if !state.CooldownUntil.IsZero() && now.Before(state.CooldownUntil) {
		return Decision{Allowed: false, WaitHint: state.CooldownUntil.Sub(now)}, nil
	}

	if !state.InBurst {
		state.InBurst = true
		state.BurstStartedAt = now
		state.TotalBursts++
	}

	if now.Sub(state.BurstStartedAt) > l.burst.MaxBurstDuration {
		state.InBurst = false
		state.CooldownUntil = now.Add(l.burst.CooldownPeriod)
		if err := l.saveBucket(ctx, id, state); err != nil {
			l.log.Warn("ratelimit: save burst bucket failed", "id", id, "error", err)
		}
		return Decision{Allowed: false, WaitHint: l.burst.CooldownPeriod}, nil
	}

	state.CurrentTokens = 0
	if err := l.saveBucket(ctx, id, state); err != nil {
		l.log.Warn("ratelimit: save burst bucket failed", "id", id, "error", err)
	}
	return Decision{Allowed: true}, nil
}
