// Package telemetry provides the ambient logging, metrics and tracing
// stack shared by every control-plane component.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// TraceContextHandler is a slog.Handler that stamps the active span's
// trace/span id onto every record it handles.
type TraceContextHandler struct {
	handler slog.Handler
}

// NewTraceContextHandler wraps handler with trace-context enrichment.
func NewTraceContextHandler(handler slog.Handler) *TraceContextHandler {
	return &TraceContextHandler{handler: handler}
}

func (h *TraceContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *TraceContextHandler) Handle(ctx context.Context, record slog.Record) error {
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.handler.Handle(ctx, record)
}

func (h *TraceContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceContextHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *TraceContextHandler) WithGroup(name string) slog.Handler {
	return &TraceContextHandler{handler: h.handler.WithGroup(name)}
}

// StructuredHandler is a minimal JSON slog.Handler. Every control-plane
// process uses it in production; tests use the stdlib text handler.
type StructuredHandler struct {
	attrs []slog.Attr
}

// NewStructuredHandler creates a JSON handler writing to stdout.
func NewStructuredHandler() *StructuredHandler {
	return &StructuredHandler{}
}

func (h *StructuredHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *StructuredHandler) Handle(_ context.Context, record slog.Record) error {
	entry := make(map[string]interface{}, 8)
	entry["timestamp"] = record.Time.Format(time.RFC3339)
	entry["level"] = record.Level.String()
	entry["message"] = record.Message

	if record.PC != 0 {
		fs := runtime.CallersFrames([]uintptr{record.PC})
		f, _ := fs.Next()
		entry["source"] = fmt.Sprintf("%s:%d", f.File, f.Line)
	}

	record.Attrs(func(a slog.Attr) bool {
		entry[a.Key] = a.Value.Any()
		return true
	})
	for _, a := range h.attrs {
		entry[a.Key] = a.Value.Any()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}

func (h *StructuredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	copy(merged[len(h.attrs):], attrs)
	return &StructuredHandler{attrs: merged}
}

func (h *StructuredHandler) WithGroup(_ string) slog.Handler { return h }

// Configure installs the process-wide structured logger. includeTrace
// stamps trace/span ids from context when true.
func Configure(level slog.Level, structured bool, includeTrace bool) {
	var handler slog.Handler
	if structured {
		handler = NewStructuredHandler()
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	if includeTrace {
		handler = NewTraceContextHandler(handler)
	}
	slog.SetDefault(slog.New(handler))
}
