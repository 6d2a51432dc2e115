package cost

import (
	"context"
	"math"
	"testing"

	"github.com/scttfrdmn/airouter/internal/domain"
)

func TestCheckAdmission_RejectsOverMaxCost(t *testing.T) {
	req := domain.NewRequest(context.Background(), 0)
	req.MaxCost = 0.01
	if err := CheckAdmission(req, 0.05); err == nil {
		t.Fatal("expected admission to reject an estimate above maxCost")
	}
}

func TestCheckAdmission_AllowsUnderMaxCost(t *testing.T) {
	req := domain.NewRequest(context.Background(), 0)
	req.MaxCost = 1.00
	if err := CheckAdmission(req, 0.05); err != nil {
		t.Fatalf("expected admission to allow an estimate under maxCost, got %v", err)
	}
}

func TestEstimateCost(t *testing.T) {
	limits := domain.Limits{CostPer1kInput: 0.01, CostPer1kOutput: 0.03}
	got := EstimateCost(limits, 2000, 1000)
	want := 0.02 + 0.03
	if got != want {
		t.Fatalf("expected cost %f, got %f", want, got)
	}
}

func TestTracker_RecordAccumulatesTotals(t *testing.T) {
	tr := NewTracker(0, 0, nil)
	tr.Record(context.Background(), "session-1", "openai", 0.10)
	tr.Record(context.Background(), "session-1", "openai", 0.20)

	if got := tr.SessionCost("session-1"); math.Abs(got-0.30) > 1e-9 {
		t.Fatalf("expected session cost 0.30, got %f", got)
	}
	if got := tr.ProviderCost("openai"); math.Abs(got-0.30) > 1e-9 {
		t.Fatalf("expected provider cost 0.30, got %f", got)
	}
	if got := tr.GlobalCost(); math.Abs(got-0.30) > 1e-9 {
		t.Fatalf("expected global cost 0.30, got %f", got)
	}
}

func TestTracker_WarnsOnceAtThreshold(t *testing.T) {
	tr := NewTracker(1.0, 0.5, nil)
	tr.Record(context.Background(), "s1", "openai", 0.6)
	if !tr.warned {
		t.Fatal("expected warned flag to be set after crossing threshold")
	}
}
