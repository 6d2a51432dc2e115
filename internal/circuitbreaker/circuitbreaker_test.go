package circuitbreaker

import (
	"testing"
	"time"
)

func TestManager_TripsOpenAfterThreshold(t *testing.T) {
	m := New(Config{FailureThreshold: 3, RecoveryTimeout: 10 * time.Millisecond, SuccessThreshold: 1})

	for i := 0; i < 3; i++ {
		m.OnFailure("p1")
	}
	if m.State("p1") != Open {
		t.Fatalf("expected breaker open after 3 failures, got %v", m.State("p1"))
	}
	if err := m.Allow("p1"); err == nil {
		t.Fatal("expected Allow to reject while open")
	}
}

func TestManager_RecoversThroughHalfOpen(t *testing.T) {
	m := New(Config{FailureThreshold: 1, RecoveryTimeout: 5 * time.Millisecond, SuccessThreshold: 1})

	m.OnFailure("p1")
	if m.State("p1") != Open {
		t.Fatal("expected open after single failure at threshold 1")
	}

	time.Sleep(10 * time.Millisecond)
	if err := m.Allow("p1"); err != nil {
		t.Fatalf("expected Allow to pass into half-open after recovery timeout: %v", err)
	}
	if m.State("p1") != HalfOpen {
		t.Fatalf("expected half-open state, got %v", m.State("p1"))
	}

	m.OnSuccess("p1")
	if m.State("p1") != Closed {
		t.Fatalf("expected closed after success threshold met, got %v", m.State("p1"))
	}
}

func TestManager_AvailabilityReflectsState(t *testing.T) {
	m := New(DefaultConfig())
	if m.Availability("fresh-provider") != 1 {
		t.Fatal("expected unseen provider to be fully available")
	}
}
