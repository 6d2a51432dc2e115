// Package circuitbreaker implements a per-provider three-state circuit
// breaker (supplemented feature, spec-adjacent to §4.2's health score),
// adapted from the teacher's middleware/circuit_breaker.go: the state
// machine and change-tracking are the same, generalized from wrapping a
// single agent to keying one breaker per provider id.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker instance.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// DefaultConfig mirrors the teacher's DefaultCircuitBreakerConfig.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

// OpenError is returned by Allow when the circuit is open.
type OpenError struct {
	ProviderID   string
	FailureCount int
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for provider %q is open (failed %d times)", e.ProviderID, e.FailureCount)
}

type breaker struct {
	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// Manager owns one breaker per provider id.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*breaker
}

// New constructs a Manager with cfg applied to every provider's breaker.
func New(cfg Config) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &Manager{cfg: cfg, breakers: make(map[string]*breaker)}
}

func (m *Manager) breakerFor(providerID string) *breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[providerID]
	if !ok {
		b = &breaker{state: Closed}
		m.breakers[providerID] = b
	}
	return b
}

// Allow reports whether a call to providerID may proceed right now,
// transitioning OPEN→HALF_OPEN once RecoveryTimeout has elapsed.
func (m *Manager) Allow(providerID string) error {
	b := m.breakerFor(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if !b.lastFailureTime.IsZero() && time.Since(b.lastFailureTime) >= m.cfg.RecoveryTimeout {
			b.state = HalfOpen
			b.successCount = 0
		} else {
			return &OpenError{ProviderID: providerID, FailureCount: b.failureCount}
		}
	}
	return nil
}

// OnSuccess records a successful call against providerID.
func (m *Manager) OnSuccess(providerID string) {
	b := m.breakerFor(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.successCount++
		if b.successCount >= m.cfg.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
		}
	case Closed:
		b.failureCount = 0
	}
}

// OnFailure records a failed call against providerID, possibly tripping
// the breaker open.
func (m *Manager) OnFailure(providerID string) {
	b := m.breakerFor(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.successCount = 0
	case Closed:
		if b.failureCount >= m.cfg.FailureThreshold {
			b.state = Open
		}
	}
}

// State returns the current state for providerID (Closed if unseen).
func (m *Manager) State(providerID string) State {
	b := m.breakerFor(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Availability returns 1.0 for a closed/half-open breaker and 0.0 for an
// open one, the shape the Router's scoring formula (spec §4.5) expects.
func (m *Manager) Availability(providerID string) float64 {
	if m.State(providerID) == Open {
		return 0
	}
	return 1
}
