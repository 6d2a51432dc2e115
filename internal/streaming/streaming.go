// Package streaming implements the Streaming Dispatcher (spec §4.8): a
// per-request session that relays an adapter's chunk source to any
// number of subscribers, normalizing large chunks, tracking an EWMA of
// chunk size, emitting heartbeats, and evicting idle subscribers.
// Sessions are in-memory and single-node by design (spec §4.8); a
// subscriber may re-bind to a session by streamId within a short grace
// window after the adapter call finishes, to ride out a client
// reconnect, though events broadcast before it bound (including the
// terminal event) are not replayed to it. The per-subscriber non-blocking-then-queued-drain mailbox
// is this package's own device for the spec's "a slow subscriber's
// backpressure must never stall the others" requirement; the ticker
// sweep loop follows the same shape as internal/capacity's health
// sweep (teacher-pack grounded there).
package streaming

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/scttfrdmn/airouter/internal/domain"
	"github.com/scttfrdmn/airouter/internal/orchestrator"
)

const (
	heartbeatInterval   = 30 * time.Second
	idleTimeout         = 10 * time.Minute
	rebindGraceWindow   = 30 * time.Second
	compressThreshold   = 1024
	subscriberQueueSize = 64
)

// EventType enumerates what a Subscriber receives.
type EventType string

const (
	EventChunk     EventType = "chunk"
	EventHeartbeat EventType = "heartbeat"
	EventTerminal  EventType = "terminal"
)

// Event is one message delivered to a subscriber.
type Event struct {
	Type       EventType
	Chunk      domain.Chunk
	FinalUsage domain.Usage
	FinalCost  float64
	Err        error
}

// Subscriber is a live listener on a stream session.
type Subscriber struct {
	id      string
	events  chan Event
	session *session

	mu      sync.Mutex
	queue   []Event
	sending bool
	active  time.Time
	closed  chan struct{}
}

// Events returns the channel a transport (websocket/SSE handler) should
// drain to forward events to the client.
func (s *Subscriber) Events() <-chan Event { return s.events }

// Close detaches the subscriber from its session. Idempotent.
func (s *Subscriber) Close() {
	select {
	case <-s.closed:
		return
	default:
		close(s.closed)
	}
	s.session.removeSubscriber(s.id)
}

func (s *Subscriber) touch() {
	s.mu.Lock()
	s.active = time.Now()
	s.mu.Unlock()
}

func (s *Subscriber) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.active)
}

// send queues evt for delivery, starting a drain goroutine if one is not
// already running for this subscriber. Order is preserved; a full
// channel never blocks other subscribers' sends.
func (s *Subscriber) send(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sending {
		select {
		case s.events <- evt:
			s.active = time.Now()
			return
		default:
		}
	}
	s.queue = append(s.queue, evt)
	if !s.sending {
		s.sending = true
		go s.drain()
	}
}

func (s *Subscriber) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.sending = false
			s.mu.Unlock()
			return
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.events <- evt:
			s.touch()
		case <-s.closed:
			return
		}
	}
}

// session is the per-request fan-out point.
type session struct {
	streamID  string
	requestID string

	mu           sync.Mutex
	subscribers  map[string]*Subscriber
	avgChunkSize float64
	createdAt    time.Time
	lastChunkAt  time.Time
	closed       bool
}

func newSession(streamID, requestID string) *session {
	now := time.Now()
	return &session{
		streamID:    streamID,
		requestID:   requestID,
		subscribers: make(map[string]*Subscriber),
		createdAt:   now,
		lastChunkAt: now,
	}
}

func (s *session) addSubscriber(id string) *Subscriber {
	sub := &Subscriber{
		id:      id,
		events:  make(chan Event, subscriberQueueSize),
		closed:  make(chan struct{}),
		active:  time.Now(),
	}
	sub.session = s
	s.mu.Lock()
	s.subscribers[id] = sub
	s.mu.Unlock()
	return sub
}

func (s *session) removeSubscriber(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}

func (s *session) broadcast(evt Event) {
	s.mu.Lock()
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.send(evt)
	}
}

func (s *session) recordChunk(chunk domain.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := float64(len(chunk.Content))
	if s.avgChunkSize == 0 {
		s.avgChunkSize = size
	} else {
		s.avgChunkSize = 0.9*s.avgChunkSize + 0.1*size
	}
	s.lastChunkAt = time.Now()
}

func (s *session) evictIdleSubscribers(timeout time.Duration) {
	s.mu.Lock()
	var idle []*Subscriber
	for _, sub := range s.subscribers {
		if sub.idleSince() > timeout {
			idle = append(idle, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range idle {
		sub.Close()
	}
}

func compressChunk(c domain.Chunk) domain.Chunk {
	if len(c.Content) <= compressThreshold {
		return c
	}
	c.Content = strings.Join(strings.Fields(c.Content), " ")
	return c
}

// Dispatcher implements orchestrator.StreamDispatcher, owning every live
// stream session.
type Dispatcher struct {
	mu       sync.Mutex
	sessions map[string]*session
	log      *slog.Logger
	nextSub  uint64
}

// New constructs a Dispatcher.
func New(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{sessions: make(map[string]*session), log: log}
}

// Subscribe binds a new Subscriber to the session for streamID, or
// re-binds to one still within its post-completion grace window. The
// subscriber receives only events broadcast after it binds.
func (d *Dispatcher) Subscribe(streamID string) (*Subscriber, bool) {
	d.mu.Lock()
	sess, ok := d.sessions[streamID]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	d.mu.Lock()
	d.nextSub++
	id := streamID + ":" + itoa(d.nextSub)
	d.mu.Unlock()
	return sess.addSubscriber(id), true
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Dispatch takes ownership of source, relaying each chunk to the
// subscribers bound to requestID's session when it is broadcast, until the source is exhausted or ctx is cancelled. estimatedInputTokens
// is folded into the reported outcome's Usage.Input up front, since a
// streamed source only ever yields output chunks.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID string, source domain.ChunkSource, estimatedInputTokens int) <-chan orchestrator.StreamOutcome {
	sess := newSession(requestID, requestID)
	d.mu.Lock()
	d.sessions[requestID] = sess
	d.mu.Unlock()

	sess.broadcast(Event{Type: EventHeartbeat})

	outcome := make(chan orchestrator.StreamOutcome, 1)
	go d.run(ctx, sess, source, estimatedInputTokens, outcome)
	return outcome
}

func (d *Dispatcher) run(ctx context.Context, sess *session, source domain.ChunkSource, estimatedInputTokens int, outcome chan<- orchestrator.StreamOutcome) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	usage := domain.Usage{Input: estimatedInputTokens}
	var cost float64

	finish := func(err error) {
		sess.broadcast(Event{Type: EventTerminal, FinalUsage: usage, FinalCost: cost, Err: err})
		outcome <- orchestrator.StreamOutcome{Usage: usage, Cost: cost, Err: err}
		close(outcome)
		d.closeSession(sess.streamID)
	}

	for {
		select {
		case chunk, ok := <-source.Chunks():
			if !ok {
				finish(source.Err())
				return
			}
			chunk = compressChunk(chunk)
			sess.recordChunk(chunk)
			usage.Output += chunk.Tokens
			usage.Total += chunk.Tokens
			cost += chunk.Cost
			sess.broadcast(Event{Type: EventChunk, Chunk: chunk})
			if chunk.Done {
				source.Close()
				finish(nil)
				return
			}
		case <-heartbeat.C:
			sess.broadcast(Event{Type: EventHeartbeat})
			sess.evictIdleSubscribers(idleTimeout)
		case <-ctx.Done():
			source.Close()
			finish(ctx.Err())
			return
		}
	}
}

// closeSession marks the session's live chunk relay over and schedules
// its removal after the re-bind grace window.
func (d *Dispatcher) closeSession(streamID string) {
	time.AfterFunc(rebindGraceWindow, func() {
		d.mu.Lock()
		delete(d.sessions, streamID)
		d.mu.Unlock()
	})
}
