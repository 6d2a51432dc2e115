// Package audit emits structured lifecycle events for requests as they
// move through admission, execution and retry — the routing analogue of
// the teacher's auth-centric audit log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// EventType enumerates the request-lifecycle events this package emits.
type EventType string

const (
	Enqueued        EventType = "request_enqueued"
	RateLimited     EventType = "request_rate_limited"
	Admitted        EventType = "request_admitted"
	Dispatched      EventType = "request_dispatched"
	RetryScheduled  EventType = "request_retry_scheduled"
	Completed       EventType = "request_completed"
	Failed          EventType = "request_failed"
	Cancelled       EventType = "request_cancelled"
	TimedOut        EventType = "request_timed_out"
	CapacityAlert   EventType = "capacity_alert"
	BudgetThreshold EventType = "budget_threshold"
)

// Severity mirrors the teacher's audit severity ladder.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is a single structured audit record.
type Event struct {
	EventType EventType              `json:"event_type"`
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	SpanID    string                 `json:"span_id,omitempty"`
}

// New builds an Event stamped with trace context from ctx, if any.
func New(ctx context.Context, eventType EventType, severity Severity, message string) *Event {
	e := &Event{
		EventType: eventType,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]interface{}),
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		e.TraceID = sc.TraceID().String()
		e.SpanID = sc.SpanID().String()
	}
	return e
}

// WithMetadata attaches a metadata key/value and returns the event for
// chaining.
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}

// Sink is the interface audit events are written through.
type Sink interface {
	Write(event *Event) error
}

// JSONSink writes newline-delimited JSON events to an io.Writer.
type JSONSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONSink wraps w (os.Stdout in production).
func NewJSONSink(w io.Writer) *JSONSink {
	if w == nil {
		w = os.Stdout
	}
	return &JSONSink{w: w}
}

func (s *JSONSink) Write(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = fmt.Fprintln(s.w, string(data))
	return err
}

// Logger is a convenience wrapper around a Sink that discards write
// errors (see Emit).
type Logger struct {
	sink Sink
}

// NewLogger wraps sink (falls back to a stdout JSONSink if nil).
func NewLogger(sink Sink) *Logger {
	if sink == nil {
		sink = NewJSONSink(os.Stdout)
	}
	return &Logger{sink: sink}
}

// Emit writes event, swallowing write failures per spec §7's
// "failures to update metrics/caches/learning must not fail a user
// request" propagation policy — audit writes are best-effort.
func (l *Logger) Emit(event *Event) {
	_ = l.sink.Write(event)
}
