package domain

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GenerationParams mirrors the generation knobs callers pass through the
// ingress API (spec §6).
type GenerationParams struct {
	MaxTokens   int
	Temperature float64
	Stop        []string
	Stream      bool
}

// Request is the immutable (save for Attempts/LastError) unit of work
// submitted to the router (spec §3).
type Request struct {
	ID                string
	SubmitterUserID   string
	Tier              Tier
	Priority          Priority
	Capabilities      []string
	ProviderHint      string
	ModelHint         string
	Fallback          bool
	Messages          []Message
	Params            GenerationParams
	EstimatedTokens   int
	MaxCost           float64
	Deadline          time.Time
	CreatedAt         time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	attempts  int
	lastError error
}

// NewRequest constructs a Request with a fresh id and a cancellation
// handle derived from parent bound to the wall-clock deadline implied by
// timeout.
func NewRequest(parent context.Context, timeout time.Duration) *Request {
	now := time.Now().UTC()
	ctx, cancel := context.WithDeadline(parent, now.Add(timeout))
	return &Request{
		ID:        uuid.NewString(),
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context returns the request's derived, cancellable, deadline-bound
// context. Every adapter call and suspension point is built from it.
func (r *Request) Context() context.Context {
	return r.ctx
}

// Cancel aborts the request's context. Idempotent.
func (r *Request) Cancel() {
	r.cancel()
}

// Attempts returns the number of attempts made so far.
func (r *Request) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// RecordAttempt increments the attempt counter and records the error (nil
// on success).
func (r *Request) RecordAttempt(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	r.lastError = err
}

// LastError returns the most recently recorded error, if any.
func (r *Request) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

// Status is the closed set of states a queued request passes through.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusDispatched     Status = "DISPATCHED"
	StatusAdmitted       Status = "ADMITTED"
	StatusExecuting      Status = "EXECUTING"
	StatusRetryScheduled Status = "RETRY_SCHEDULED"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
	StatusTimedOut       Status = "TIMED_OUT"
)

// Terminal reports whether s is one from which no further transition
// occurs.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// QueuedRequest is a Request plus the scheduling metadata the priority
// queue owns between enqueue and terminal move (spec §3).
type QueuedRequest struct {
	Request        *Request
	CreatedAt      time.Time
	ScheduledAt    time.Time
	MaxAttempts    int
	RetryDelayBase time.Duration
	EstimatedCost  float64
	Status         Status

	// Score is the current priority-queue ordering key; lower dispatches
	// sooner. Recomputed on every aging pass / retry reschedule.
	Score float64

	// Response and LastErrorKind/LastErrorMessage are filled in by the
	// orchestrator on a terminal transition so GET /requests/{id} can
	// report a result without the coordination store ever having to
	// persist a request or response body.
	Response         *Response
	LastErrorKind    string
	LastErrorMessage string
	StartedAt        time.Time
	CompletedAt      time.Time

	// index is not read or written anywhere in this module;
	// internal/queue orders entries through store sorted sets.
	index int
}
