// Package retry implements the strategy registry of spec §4.6:
// exponential, linear, fixed, fibonacci and adaptive backoff, each
// exposing delay(context)/shouldRetry(context), grounded on the
// teacher's middleware/retry.go exponential-backoff loop but
// generalized into pluggable strategies plus an adaptive learning store.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/scttfrdmn/airouter/internal/config"
	"github.com/scttfrdmn/airouter/internal/domain"
	"github.com/scttfrdmn/airouter/internal/errkind"
)

// AttemptContext carries everything a strategy needs to decide on the
// next attempt.
type AttemptContext struct {
	Operation   string
	ProviderID  string
	Attempt     int // 1-indexed: the attempt that just failed
	Err         *errkind.RouterError
	Deadline    time.Time
	ElapsedTime time.Duration
}

// Strategy computes a retry delay and whether a retry should happen at
// all.
type Strategy interface {
	Delay(cfg config.RetryConfig, ac AttemptContext) time.Duration
	ShouldRetry(cfg config.RetryConfig, ac AttemptContext) bool
}

func baseShouldRetry(cfg config.RetryConfig, ac AttemptContext) bool {
	if ac.Err == nil || !ac.Err.Retryable() {
		return false
	}
	if ac.Attempt >= cfg.MaxAttempts {
		return false
	}
	if !ac.Deadline.IsZero() && time.Now().After(ac.Deadline) {
		return false
	}
	return true
}

func withJitter(delay time.Duration, jitterRange float64) time.Duration {
	if jitterRange <= 0 {
		return delay
	}
	factor := 1 + (rand.Float64()*2-1)*jitterRange
	return time.Duration(float64(delay) * factor)
}

func capDelay(delay, maxDelay time.Duration) time.Duration {
	if delay > maxDelay {
		return maxDelay
	}
	if delay < 0 {
		return 0
	}
	return delay
}

// Exponential doubles the base delay per attempt (cfg.BackoffMultiplier).
type Exponential struct{}

func (Exponential) Delay(cfg config.RetryConfig, ac AttemptContext) time.Duration {
	mult := math.Pow(cfg.BackoffMultiplier, float64(ac.Attempt-1))
	delay := time.Duration(float64(cfg.BaseDelay) * mult)
	return capDelay(withJitter(delay, cfg.JitterRange), cfg.MaxDelay)
}

func (Exponential) ShouldRetry(cfg config.RetryConfig, ac AttemptContext) bool {
	return baseShouldRetry(cfg, ac)
}

// Linear grows delay linearly with attempt number.
type Linear struct{}

func (Linear) Delay(cfg config.RetryConfig, ac AttemptContext) time.Duration {
	delay := cfg.BaseDelay * time.Duration(ac.Attempt)
	return capDelay(withJitter(delay, cfg.JitterRange), cfg.MaxDelay)
}

func (Linear) ShouldRetry(cfg config.RetryConfig, ac AttemptContext) bool {
	return baseShouldRetry(cfg, ac)
}

// Fixed always waits cfg.BaseDelay.
type Fixed struct{}

func (Fixed) Delay(cfg config.RetryConfig, ac AttemptContext) time.Duration {
	return capDelay(withJitter(cfg.BaseDelay, cfg.JitterRange), cfg.MaxDelay)
}

func (Fixed) ShouldRetry(cfg config.RetryConfig, ac AttemptContext) bool {
	return baseShouldRetry(cfg, ac)
}

// Fibonacci grows delay along the Fibonacci sequence scaled by BaseDelay.
type Fibonacci struct{}

func fib(n int) int {
	if n <= 1 {
		return 1
	}
	a, b := 1, 1
	for i := 2; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}

func (Fibonacci) Delay(cfg config.RetryConfig, ac AttemptContext) time.Duration {
	delay := cfg.BaseDelay * time.Duration(fib(ac.Attempt))
	return capDelay(withJitter(delay, cfg.JitterRange), cfg.MaxDelay)
}

func (Fibonacci) ShouldRetry(cfg config.RetryConfig, ac AttemptContext) bool {
	return baseShouldRetry(cfg, ac)
}

// Adaptive consults a per-(operation, provider) learning record (spec
// §4.6) to scale delay by observed history, and tightens ShouldRetry
// when recent success rate is poor.
type Adaptive struct {
	Learning *LearningStore
}

func (a Adaptive) Delay(cfg config.RetryConfig, ac AttemptContext) time.Duration {
	rec, ok := a.Learning.Get(ac.Operation, ac.ProviderID)
	if !ok || rec.SampleSize == 0 {
		return Exponential{}.Delay(cfg, ac)
	}
	delay := time.Duration(float64(rec.AvgTotalDuration) * (1 + cfg.AdaptiveFactor*float64(ac.Attempt-1)))
	return capDelay(withJitter(delay, cfg.JitterRange), cfg.MaxDelay)
}

func (a Adaptive) ShouldRetry(cfg config.RetryConfig, ac AttemptContext) bool {
	if !baseShouldRetry(cfg, ac) {
		return false
	}
	rec, ok := a.Learning.Get(ac.Operation, ac.ProviderID)
	if !ok || rec.SampleSize < 10 {
		return true
	}
	if rec.SuccessRate < 0.3 && ac.Attempt >= 2 {
		return false
	}
	return true
}

// LearningStore is the process-local adaptive-retry learning cache
// (spec §3's RetryLearning, keyed by (operation, provider)).
type LearningStore struct {
	mu      sync.Mutex
	records map[domain.RetryLearningKey]domain.RetryLearning
}

// NewLearningStore constructs an empty learning cache.
func NewLearningStore() *LearningStore {
	return &LearningStore{records: make(map[domain.RetryLearningKey]domain.RetryLearning)}
}

// Get returns the learning record for (operation, provider), if any.
func (s *LearningStore) Get(operation, providerID string) (domain.RetryLearning, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[domain.RetryLearningKey{Operation: operation, ProviderID: providerID}]
	return rec, ok
}

// Observe folds a terminal attempt outcome into the running averages
// (spec §4.6): successRate ← (oldRate·n + outcome)/(n+1), likewise for
// avgAttempts and avgTotalDuration.
func (s *LearningStore) Observe(operation, providerID string, success bool, attempts int, totalDuration time.Duration) {
	key := domain.RetryLearningKey{Operation: operation, ProviderID: providerID}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[key]
	n := float64(rec.SampleSize)
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	rec.SuccessRate = (rec.SuccessRate*n + outcome) / (n + 1)
	rec.AvgAttempts = (rec.AvgAttempts*n + float64(attempts)) / (n + 1)
	rec.AvgTotalDuration = time.Duration((float64(rec.AvgTotalDuration)*n + float64(totalDuration)) / (n + 1))
	rec.SampleSize++
	rec.LastUpdated = time.Now()
	s.records[key] = rec
}

// Prune evicts records stale enough per domain.RetryLearning.Evictable.
func (s *LearningStore) Prune() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, rec := range s.records {
		if rec.Evictable(now) {
			delete(s.records, k)
		}
	}
}

// Registry resolves strategy names to Strategy implementations.
type Registry struct {
	strategies map[string]Strategy
	learning   *LearningStore
}

// NewRegistry builds the standard strategy set, wiring the adaptive
// strategy to learning.
func NewRegistry(learning *LearningStore) *Registry {
	return &Registry{
		learning: learning,
		strategies: map[string]Strategy{
			"exponential": Exponential{},
			"linear":      Linear{},
			"fixed":       Fixed{},
			"fibonacci":   Fibonacci{},
			"adaptive":    Adaptive{Learning: learning},
		},
	}
}

// Resolve returns the named strategy, defaulting to exponential when
// name is empty or unknown.
func (r *Registry) Resolve(name string) Strategy {
	if s, ok := r.strategies[name]; ok {
		return s
	}
	return r.strategies["exponential"]
}

// Select implements spec §4.6's strategy-selection rule: once a
// (operation, provider) pair has built up a track record (at least 10
// samples) that's succeeding at least cfg.SuccessThreshold of the time,
// linear backoff is favoured over the more punishing exponential
// curve — a provider that's mostly working doesn't need its retries
// pushed further and further out. cfg.LearningEnabled gates the whole
// adaptive path: when it's off, Select always falls back to plain
// exponential backoff, ignoring any accumulated learning record.
func (r *Registry) Select(cfg config.RetryConfig, operation, providerID string) Strategy {
	if !cfg.LearningEnabled || r.learning == nil {
		return r.strategies["exponential"]
	}
	rec, ok := r.learning.Get(operation, providerID)
	if ok && rec.SampleSize >= 10 && rec.SuccessRate >= cfg.SuccessThreshold {
		return r.strategies["linear"]
	}
	return r.strategies["adaptive"]
}
