package retry

import (
	"testing"
	"time"

	"github.com/scttfrdmn/airouter/internal/config"
	"github.com/scttfrdmn/airouter/internal/errkind"
)

func TestBaseShouldRetry_NonRetryableKind(t *testing.T) {
	cfg := config.Default().Retry
	ac := AttemptContext{Attempt: 1, Err: errkind.New(errkind.InvalidRequest, "bad request")}
	if (Exponential{}).ShouldRetry(cfg, ac) {
		t.Fatal("expected INVALID_REQUEST to never be retried")
	}
}

func TestExponential_DelayGrowsAndCaps(t *testing.T) {
	cfg := config.RetryConfig{
		BaseDelay:         time.Second,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
	first := Exponential{}.Delay(cfg, AttemptContext{Attempt: 1, Err: errkind.New(errkind.Timeout, "slow")})
	second := Exponential{}.Delay(cfg, AttemptContext{Attempt: 2, Err: errkind.New(errkind.Timeout, "slow")})
	if second <= first {
		t.Fatalf("expected delay to grow between attempts, got %v then %v", first, second)
	}
	ac := AttemptContext{Attempt: 5, Err: errkind.New(errkind.Timeout, "slow")}
	delay := Exponential{}.Delay(cfg, ac)
	if delay > cfg.MaxDelay {
		t.Fatalf("expected delay capped at %v, got %v", cfg.MaxDelay, delay)
	}
}

func TestShouldRetry_StopsPastMaxAttempts(t *testing.T) {
	cfg := config.RetryConfig{MaxAttempts: 3}
	ac := AttemptContext{Attempt: 3, Err: errkind.New(errkind.Network, "conn reset")}
	if (Fixed{}).ShouldRetry(cfg, ac) {
		t.Fatal("expected no retry once attempt reaches MaxAttempts")
	}
}

func TestLearningStore_ObserveAveragesCorrectly(t *testing.T) {
	store := NewLearningStore()
	store.Observe("generate", "openai", true, 1, time.Second)
	store.Observe("generate", "openai", false, 2, 3*time.Second)

	rec, ok := store.Get("generate", "openai")
	if !ok {
		t.Fatal("expected a learning record after two observations")
	}
	if rec.SampleSize != 2 {
		t.Fatalf("expected sample size 2, got %d", rec.SampleSize)
	}
	if rec.SuccessRate != 0.5 {
		t.Fatalf("expected success rate 0.5, got %f", rec.SuccessRate)
	}
}

func TestAdaptive_ShouldRetry_StopsOnPoorHistory(t *testing.T) {
	store := NewLearningStore()
	for i := 0; i < 10; i++ {
		store.Observe("generate", "slow-provider", false, 3, 2*time.Second)
	}
	strategy := Adaptive{Learning: store}
	cfg := config.RetryConfig{MaxAttempts: 5}
	ac := AttemptContext{Operation: "generate", ProviderID: "slow-provider", Attempt: 2, Err: errkind.New(errkind.ServerError, "500")}
	if strategy.ShouldRetry(cfg, ac) {
		t.Fatal("expected adaptive strategy to stop retrying after attempt 2 with success rate below 0.3")
	}
}
