package domain

import "time"

// StreamTerminalState is the closed set of terminal states a stream
// session can end in.
type StreamTerminalState string

const (
	StreamOpenEnded StreamTerminalState = "open"
	StreamAborted   StreamTerminalState = "aborted"
)

// StreamSession is the live streaming relationship owned by the
// Dispatcher between create and end (spec §3).
type StreamSession struct {
	StreamID         string
	RequestID        string
	StartedAt        time.Time
	AverageChunkSize float64 // EWMA
	TotalTokens      int64
	TotalChunks      int64
	Terminal         StreamTerminalState
}

// Phase is one weighted step of a Progress Task.
type Phase struct {
	Name             string
	Weight           float64
	EstimatedTokens  int
	Progress         float64 // ∈ [0,100]
	TokensProcessed  int
}

// ProgressTask tracks overall completion across a request's weighted
// phases (spec §3).
type ProgressTask struct {
	TaskID       string
	Phases       []Phase
	CurrentPhase int
}

// Overall computes Σ (phase.progress/100 · phase.weight) / Σ weight,
// clamped to [0,100].
func (p *ProgressTask) Overall() float64 {
	var num, den float64
	for _, ph := range p.Phases {
		num += (ph.Progress / 100) * ph.Weight
		den += ph.Weight
	}
	if den == 0 {
		return 0
	}
	v := (num / den) * 100
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
