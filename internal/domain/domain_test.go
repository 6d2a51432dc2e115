package domain

import (
	"testing"
	"time"
)

func TestProgressTask_OverallWeightedAverage(t *testing.T) {
	task := &ProgressTask{
		Phases: []Phase{
			{Name: "plan", Weight: 1, Progress: 100},
			{Name: "generate", Weight: 3, Progress: 50},
		},
	}
	// (1*100 + 3*50)/4 = 62.5
	if got, want := task.Overall(), 62.5; got != want {
		t.Fatalf("expected overall progress %f, got %f", want, got)
	}
}

func TestProgressTask_OverallReaches100OnAllPhasesComplete(t *testing.T) {
	task := &ProgressTask{
		Phases: []Phase{
			{Name: "plan", Weight: 1, Progress: 100},
			{Name: "generate", Weight: 3, Progress: 100},
		},
	}
	if got := task.Overall(); got != 100 {
		t.Fatalf("expected overall progress 100 when every phase completes, got %f", got)
	}
}

func TestProgressTask_OverallZeroWeightIsZero(t *testing.T) {
	task := &ProgressTask{}
	if got := task.Overall(); got != 0 {
		t.Fatalf("expected overall progress 0 with no phases, got %f", got)
	}
}

func TestProgressTask_OverallClampedToRange(t *testing.T) {
	task := &ProgressTask{Phases: []Phase{{Weight: 1, Progress: 150}}}
	if got := task.Overall(); got != 100 {
		t.Fatalf("expected overall progress clamped to 100, got %f", got)
	}
}

func TestCapacityState_AvailableSlots(t *testing.T) {
	cs := CapacityState{Active: 3, Reserved: 1}
	if got, want := cs.AvailableSlots(5), 1; got != want {
		t.Fatalf("expected 1 available slot, got %d", got)
	}
	if got, want := cs.AvailableSlots(2), 0; got != want {
		t.Fatalf("expected available slots floored at 0 when oversubscribed, got %d", got)
	}
}

func TestRetryLearning_Evictable(t *testing.T) {
	stale := RetryLearning{SampleSize: 3, LastUpdated: time.Now().Add(-8 * 24 * time.Hour)}
	if !stale.Evictable(time.Now()) {
		t.Fatal("expected a low-sample record older than 7 days to be evictable")
	}

	wellSampled := RetryLearning{SampleSize: 50, LastUpdated: time.Now().Add(-8 * 24 * time.Hour)}
	if wellSampled.Evictable(time.Now()) {
		t.Fatal("expected a well-sampled record to survive eviction regardless of age")
	}

	fresh := RetryLearning{SampleSize: 1, LastUpdated: time.Now()}
	if fresh.Evictable(time.Now()) {
		t.Fatal("expected a fresh low-sample record not to be evictable yet")
	}
}

func TestStatus_Terminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []Status{StatusPending, StatusDispatched, StatusAdmitted, StatusExecuting, StatusRetryScheduled}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Fatalf("expected %s not to be terminal", s)
		}
	}
}

func TestProvider_SupportsCapability(t *testing.T) {
	p := &Provider{Capabilities: []string{"text-generation", "code-generation"}}
	if !p.SupportsCapability("text-generation") {
		t.Fatal("expected provider to support a declared capability")
	}
	if p.SupportsCapability("image-generation") {
		t.Fatal("expected provider not to support an undeclared capability")
	}
}
