// Package httpapi implements the ingress API (spec §6): POST/GET/DELETE
// /requests, GET /streams/{id} as server-sent events, and GET /providers.
// It is grounded on adapter/http/http_server.go's HTTP/1.1 + h2c + HTTP/3
// server setup, generalized from a single-agent process/stream pair into
// the router's enqueue/status/cancel/stream/providers surface.
package httpapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/scttfrdmn/airouter/internal/domain"
	"github.com/scttfrdmn/airouter/internal/errkind"
	"github.com/scttfrdmn/airouter/internal/queue"
	"github.com/scttfrdmn/airouter/internal/streaming"
)

// Options configures the ingress server's transport surface, mirroring
// the teacher's ServerOptions.
type Options struct {
	EnableHTTP2 bool
	EnableHTTP3 bool
	TLSConfig   *tls.Config
	HTTP3Addr   string
}

// Server exposes the ingress API over HTTP.
type Server struct {
	q           *queue.Queue
	dispatcher  *streaming.Dispatcher
	capacitySrc CapacitySource
	defaultTO   time.Duration
	queueLimit  int
	log         *slog.Logger

	mux         *http.ServeMux
	server      *http.Server
	http3Server *http3.Server
	options     Options

	mu sync.Mutex
}

// CapacitySource is the minimal surface GET /providers needs; satisfied
// by *internal/capacity.Manager without httpapi importing the capacity
// package's store dependency directly in its constructor signature.
type CapacitySource interface {
	Providers() []*domain.Provider
	State(providerID string) (domain.CapacityState, bool)
	HealthScore(providerID string) float64
}

// New constructs an ingress Server with default options (HTTP/1.1 only).
func New(addr string, q *queue.Queue, dispatcher *streaming.Dispatcher, capacitySrc CapacitySource, defaultTimeout time.Duration, queueLimit int, log *slog.Logger) *Server {
	return NewWithOptions(addr, q, dispatcher, capacitySrc, defaultTimeout, queueLimit, log, Options{})
}

// NewWithOptions constructs an ingress Server with custom transport options.
func NewWithOptions(addr string, q *queue.Queue, dispatcher *streaming.Dispatcher, capacitySrc CapacitySource, defaultTimeout time.Duration, queueLimit int, log *slog.Logger, options Options) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		q:           q,
		dispatcher:  dispatcher,
		capacitySrc: capacitySrc,
		defaultTO:   defaultTimeout,
		queueLimit:  queueLimit,
		log:         log,
		mux:         mux,
		options:     options,
	}

	mux.HandleFunc("/requests", s.handleRequests)
	mux.HandleFunc("/requests/", s.handleRequestByID)
	mux.HandleFunc("/streams/", s.handleStream)
	mux.HandleFunc("/providers", s.handleProviders)
	mux.HandleFunc("/health", s.handleHealth)

	var handler http.Handler = mux
	if options.EnableHTTP2 {
		handler = h2c.NewHandler(mux, &http2.Server{})
	}

	s.server = &http.Server{Addr: addr, Handler: handler, TLSConfig: options.TLSConfig}
	if options.TLSConfig != nil {
		_ = http2.ConfigureServer(s.server, &http2.Server{})
	}
	if options.EnableHTTP3 {
		http3Addr := options.HTTP3Addr
		if http3Addr == "" {
			http3Addr = addr
		}
		s.http3Server = &http3.Server{Addr: http3Addr, Handler: mux, TLSConfig: options.TLSConfig}
	}
	return s
}

// Start begins serving in background goroutines.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	go func() {
		var err error
		if s.server.TLSConfig != nil {
			err = s.server.ListenAndServeTLS("", "")
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("httpapi: server error", "error", err)
		}
	}()

	if s.http3Server != nil {
		go func() {
			ln, err := net.ListenPacket("udp", s.http3Server.Addr)
			if err != nil {
				s.log.Error("httpapi: http3 listen error", "error", err)
				return
			}
			if err := s.http3Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("httpapi: http3 server error", "error", err)
			}
		}()
	}

	s.log.Info("httpapi: listening", "addr", s.server.Addr)
	return nil
}

// Shutdown drains in-flight connections within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	if s.http3Server != nil {
		return s.http3Server.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// enqueueRequestBody is the JSON envelope POST /requests accepts (spec §6).
type enqueueRequestBody struct {
	UserID       string   `json:"userId"`
	Tier         string   `json:"tier"`
	Priority     string   `json:"priority"`
	Capabilities []string `json:"capabilities"`
	ProviderHint string   `json:"providerHint"`
	ModelHint    string   `json:"modelHint"`
	Fallback     bool     `json:"fallback"`
	Messages     []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	MaxTokens   int      `json:"maxTokens"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop"`
	Stream      bool     `json:"stream"`
	MaxCost     float64  `json:"maxCost"`
	TimeoutMs   int64    `json:"timeoutMs"`
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errkind.InvalidRequest, "method not allowed")
		return
	}

	var body enqueueRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errkind.InvalidRequest, "malformed request body")
		return
	}
	defer r.Body.Close()

	if body.UserID == "" || len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, errkind.InvalidRequest, "userId and messages are required")
		return
	}

	timeout := s.defaultTO
	if body.TimeoutMs > 0 {
		timeout = time.Duration(body.TimeoutMs) * time.Millisecond
	}

	req := domain.NewRequest(context.Background(), timeout)
	req.SubmitterUserID = body.UserID
	req.Tier = domain.Tier(body.Tier)
	req.Priority = domain.Priority(body.Priority)
	req.Capabilities = body.Capabilities
	req.ProviderHint = body.ProviderHint
	req.ModelHint = body.ModelHint
	req.Fallback = body.Fallback
	req.MaxCost = body.MaxCost
	req.Params = domain.GenerationParams{
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		Stop:        body.Stop,
		Stream:      body.Stream,
	}
	for _, m := range body.Messages {
		msg := domain.Message{Role: m.Role, Content: m.Content}
		if err := msg.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, errkind.InvalidRequest, err.Error())
			return
		}
		req.Messages = append(req.Messages, msg)
	}
	req.EstimatedTokens = estimateTokens(req.Messages)

	if err := s.q.EnsureWithinLimit(r.Context(), s.queueLimit); err != nil {
		writeRouterError(w, err)
		return
	}

	if _, err := s.q.Enqueue(r.Context(), req); err != nil {
		writeRouterError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"requestId": req.ID})
}

// estimateTokens is the len/4 estimate spec §9(c) flags as inaccurate
// but usable as a queue-time placeholder — reconciled against the
// adapter-reported Usage once execution completes.
func estimateTokens(messages []domain.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
	}
	return total
}

func (s *Server) handleRequestByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/requests/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getRequestStatus(w, id)
	case http.MethodDelete:
		s.cancelRequest(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, errkind.InvalidRequest, "method not allowed")
	}
}

type requestStatusBody struct {
	Status      string           `json:"status"`
	Attempts    int              `json:"attempts"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	Response    *domain.Response `json:"response,omitempty"`
	Error       *errorBody       `json:"error,omitempty"`
}

type errorBody struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
	Provider string `json:"lastProvider,omitempty"`
}

func (s *Server) getRequestStatus(w http.ResponseWriter, id string) {
	qr, ok := s.q.Get(id)
	if !ok {
		http.NotFound(w, nil)
		return
	}

	body := requestStatusBody{
		Status:   string(qr.Status),
		Attempts: qr.Request.Attempts(),
		Response: qr.Response,
	}
	if !qr.StartedAt.IsZero() {
		body.StartedAt = &qr.StartedAt
	}
	if !qr.CompletedAt.IsZero() {
		body.CompletedAt = &qr.CompletedAt
	}
	if qr.Status.Terminal() && qr.LastErrorKind != "" {
		body.Error = &errorBody{
			Kind:     qr.LastErrorKind,
			Message:  qr.LastErrorMessage,
			Attempts: qr.Request.Attempts(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) cancelRequest(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.q.Cancel(r.Context(), id); err != nil {
		var routerErr *errkind.RouterError
		if errors.As(err, &routerErr) && routerErr.Kind == errkind.NotFound {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeRouterError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errkind.InvalidRequest, "method not allowed")
		return
	}
	if s.capacitySrc == nil {
		_ = json.NewEncoder(w).Encode([]providerBody{})
		return
	}

	out := make([]providerBody, 0)
	for _, p := range s.capacitySrc.Providers() {
		state, _ := s.capacitySrc.State(p.ID)
		utilization := 0.0
		if p.Limits.MaxConcurrent > 0 {
			utilization = float64(state.Active+state.Reserved) / float64(p.Limits.MaxConcurrent)
		}
		out = append(out, providerBody{
			ID:           p.ID,
			Capabilities: p.Capabilities,
			HealthScore:  s.capacitySrc.HealthScore(p.ID),
			Utilization:  utilization,
			P95LatencyMs: p.P95LatencyMs,
			SuccessRate:  p.SuccessRate,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

type providerBody struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
	HealthScore  float64  `json:"healthScore"`
	Utilization  float64  `json:"utilization"`
	P95LatencyMs float64  `json:"p95LatencyMs"`
	SuccessRate  float64  `json:"successRate"`
}

// wsUpgrader upgrades GET /streams/{id}/ws connections for subscribers
// that want a persistent socket instead of SSE (e.g. a browser client
// behind a proxy that buffers text/event-stream).
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsPingInterval = 30 * time.Second

// handleStream serves GET /streams/{streamId} as server-sent events, or
// GET /streams/{streamId}/ws as a WebSocket, relaying
// internal/streaming.Subscriber events (spec §6).
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errkind.InvalidRequest, "method not allowed")
		return
	}
	streamID := strings.TrimPrefix(r.URL.Path, "/streams/")
	if ws := strings.TrimSuffix(streamID, "/ws"); ws != streamID {
		s.handleStreamWS(w, r, ws)
		return
	}
	if streamID == "" || s.dispatcher == nil {
		http.NotFound(w, r)
		return
	}

	sub, ok := s.dispatcher.Subscribe(streamID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errkind.ServerError, "streaming unsupported by this transport")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprint(w, "event: open\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			writeSSEEvent(w, evt)
			flusher.Flush()
			if evt.Type == streaming.EventTerminal {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// handleStreamWS relays the same subscriber events as handleStream but
// over a WebSocket connection, with a ping/pong keepalive loop adapted
// from the teacher's single-connection transport to this multi-
// subscriber registry.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request, streamID string) {
	if streamID == "" || s.dispatcher == nil {
		http.NotFound(w, r)
		return
	}
	sub, ok := s.dispatcher.Subscribe(streamID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	defer sub.Close()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("httpapi: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(conn, stop)

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(wsEventBody(evt)); err != nil {
				return
			}
			if evt.Type == streaming.EventTerminal {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func wsEventBody(evt streaming.Event) map[string]any {
	switch evt.Type {
	case streaming.EventChunk:
		return map[string]any{"type": "chunk", "content": evt.Chunk.Content, "progress": evt.Chunk.Progress}
	case streaming.EventHeartbeat:
		return map[string]any{"type": "heartbeat"}
	case streaming.EventTerminal:
		if evt.Err != nil {
			var routerErr *errkind.RouterError
			kind := errkind.ServerError
			if errors.As(evt.Err, &routerErr) {
				kind = routerErr.Kind
			}
			return map[string]any{"type": "error", "kind": kind, "message": evt.Err.Error()}
		}
		return map[string]any{"type": "done", "usage": evt.FinalUsage, "cost": evt.FinalCost}
	default:
		return map[string]any{"type": "unknown"}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt streaming.Event) {
	switch evt.Type {
	case streaming.EventChunk:
		data, _ := json.Marshal(map[string]interface{}{
			"content":  evt.Chunk.Content,
			"progress": evt.Chunk.Progress,
		})
		fmt.Fprintf(w, "event: chunk\ndata: %s\n\n", data)
	case streaming.EventHeartbeat:
		fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
	case streaming.EventTerminal:
		if evt.Err != nil {
			var routerErr *errkind.RouterError
			kind := errkind.ServerError
			if errors.As(evt.Err, &routerErr) {
				kind = routerErr.Kind
			}
			data, _ := json.Marshal(map[string]interface{}{"kind": kind, "message": evt.Err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
			return
		}
		data, _ := json.Marshal(map[string]interface{}{"usage": evt.FinalUsage, "cost": evt.FinalCost})
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
	}
}

func writeError(w http.ResponseWriter, status int, kind errkind.Kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"kind": string(kind), "message": message})
}

func writeRouterError(w http.ResponseWriter, err error) {
	var routerErr *errkind.RouterError
	if errors.As(err, &routerErr) {
		status := http.StatusInternalServerError
		switch routerErr.Kind {
		case errkind.InvalidRequest:
			status = http.StatusBadRequest
		case errkind.RateLimited, errkind.QueueFull:
			status = http.StatusTooManyRequests
		case errkind.Unauthorized:
			status = http.StatusUnauthorized
		case errkind.Forbidden:
			status = http.StatusForbidden
		case errkind.NotFound:
			status = http.StatusNotFound
		}
		writeError(w, status, routerErr.Kind, routerErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, errkind.ServerError, err.Error())
}
