package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/scttfrdmn/airouter/internal/config"
	"github.com/scttfrdmn/airouter/internal/store"
)

func newTestLimiter() *Limiter {
	tiers := map[string]config.TierLimits{
		"basic": {RequestsPerMinute: 2, BurstLimit: 3},
	}
	burst := config.BurstConfig{
		BurstSize:        2,
		RefillRate:       1,
		MaxBurstDuration: 50 * time.Millisecond,
		CooldownPeriod:   time.Minute,
	}
	return New(store.NewMemoryStore(), tiers, burst, nil)
}

func TestAllowRequest_RejectsOverTierLimit(t *testing.T) {
	l := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.AllowRequest(ctx, "user-1", "basic")
		if err != nil {
			t.Fatalf("allow request: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("expected request %d to be allowed", i)
		}
	}

	d, err := l.AllowRequest(ctx, "user-1", "basic")
	if err != nil {
		t.Fatalf("allow request: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected third request within the window to be rejected")
	}
	if d.WaitHint <= 0 {
		t.Fatal("expected a positive wait hint on rejection")
	}
}

func TestAllowRequest_UnknownTier(t *testing.T) {
	l := newTestLimiter()
	if _, err := l.AllowRequest(context.Background(), "user-1", "nonexistent"); err == nil {
		t.Fatal("expected an error for an unknown tier")
	}
}

func TestAllowBurst_ConsumesThenEntersBurstMode(t *testing.T) {
	l := newTestLimiter()
	ctx := context.Background()

	d, err := l.AllowBurst(ctx, "client-1", 2, 2)
	if err != nil {
		t.Fatalf("allow burst: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected initial burst-size request to be allowed")
	}

	d, err = l.AllowBurst(ctx, "client-1", 1, 2)
	if err != nil {
		t.Fatalf("allow burst: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected borrowed token within burst window to be allowed")
	}
}

func TestAllowBurstForTier_UsesTierBurstLimitAsCapacity(t *testing.T) {
	l := newTestLimiter()
	ctx := context.Background()

	// The "basic" tier's BurstLimit (3) overrides the BurstConfig's
	// global BurstSize (2) as this bucket's capacity.
	for i := 0; i < 3; i++ {
		d, err := l.AllowBurstForTier(ctx, "user-1", "basic")
		if err != nil {
			t.Fatalf("allow burst for tier: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("expected request %d within tier burst limit to be allowed", i)
		}
	}
}

func TestAllowBurstForTier_UnknownTier(t *testing.T) {
	l := newTestLimiter()
	if _, err := l.AllowBurstForTier(context.Background(), "user-1", "nonexistent"); err == nil {
		t.Fatal("expected an error for an unknown tier")
	}
}
