// Package orchestrator drives the Execution Orchestrator state machine
// (spec §4.7): PENDING → DISPATCHED → ADMITTED → EXECUTING → {COMPLETED |
// FAILED | CANCELLED | TIMED_OUT}, with RETRY_SCHEDULED looping back to
// DISPATCHED. It binds the queue, capacity manager, rate limiter (via
// the queue's admission check), router, retry controller and provider
// adapters together. The batch-poll-then-fan-out-to-worker-goroutines
// shape is grounded on the teacher-pack's container/heap worker-pool
// queue (other_examples/...ChengYuChuan...queue.go.go's worker loop),
// adapted from a single always-running heap-backed loop into a
// ticker-driven PopBatch against the store-backed Queue.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/scttfrdmn/airouter/internal/audit"
	"github.com/scttfrdmn/airouter/internal/capacity"
	"github.com/scttfrdmn/airouter/internal/circuitbreaker"
	"github.com/scttfrdmn/airouter/internal/config"
	"github.com/scttfrdmn/airouter/internal/cost"
	"github.com/scttfrdmn/airouter/internal/domain"
	"github.com/scttfrdmn/airouter/internal/errkind"
	"github.com/scttfrdmn/airouter/internal/metrics"
	"github.com/scttfrdmn/airouter/internal/provideradapter"
	"github.com/scttfrdmn/airouter/internal/queue"
	"github.com/scttfrdmn/airouter/internal/retry"
	"github.com/scttfrdmn/airouter/internal/router"
)

// retryOperation is the (operation, provider) key's operation component
// every generation attempt is recorded under (spec §4.6).
const retryOperation = "generate"

// defaultEstimatedOutputTokens is used for cost/capacity estimation when
// the caller did not set GenerationParams.MaxTokens.
const defaultEstimatedOutputTokens = 256

// StreamOutcome is what a StreamDispatcher reports once a streaming
// call's chunk source is exhausted or errors.
type StreamOutcome struct {
	Usage domain.Usage
	Cost  float64
	Err   error
}

// StreamDispatcher fans a ChunkSource out to subscribers (spec §4.8);
// it owns draining the source and reports the terminal outcome back to
// the Orchestrator asynchronously. internal/streaming.Dispatcher
// implements this; until one is wired, Orchestrator falls back to
// draining the source itself with no subscriber fan-out.
type StreamDispatcher interface {
	Dispatch(ctx context.Context, requestID string, source domain.ChunkSource, estimatedInputTokens int) <-chan StreamOutcome
}

// Orchestrator binds every routing component into the request lifecycle.
type Orchestrator struct {
	queue       *queue.Queue
	capacityMgr *capacity.Manager
	breakers    *circuitbreaker.Manager
	router      *router.Router
	retryReg    *retry.Registry
	learning    *retry.LearningStore
	adapters    *provideradapter.Registry
	costTracker *cost.Tracker
	auditLogger *audit.Logger
	cfg         config.Config
	log         *slog.Logger
	streamer    StreamDispatcher
	metricsRec  *metrics.Recorder

	sem chan struct{}
}

// New constructs an Orchestrator. breakers is the same *circuitbreaker.Manager
// handed to router.New — the Router consults Allow/Availability at
// selection time, and the Orchestrator reports the real adapter outcome
// back into it here, so the breaker actually trips on live failures
// instead of only via the admin API's manual drain. streamer may be
// nil; SetStreamDispatcher can wire one in after internal/streaming
// starts up.
func New(
	q *queue.Queue,
	capacityMgr *capacity.Manager,
	breakers *circuitbreaker.Manager,
	r *router.Router,
	retryReg *retry.Registry,
	learning *retry.LearningStore,
	adapters *provideradapter.Registry,
	costTracker *cost.Tracker,
	auditLogger *audit.Logger,
	cfg config.Config,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Orchestrator{
		queue:       q,
		capacityMgr: capacityMgr,
		breakers:    breakers,
		router:      r,
		retryReg:    retryReg,
		learning:    learning,
		adapters:    adapters,
		costTracker: costTracker,
		auditLogger: auditLogger,
		cfg:         cfg,
		log:         log,
		sem:         make(chan struct{}, maxConcurrent),
	}
}

// SetStreamDispatcher wires a StreamDispatcher in after construction.
func (o *Orchestrator) SetStreamDispatcher(d StreamDispatcher) {
	o.streamer = d
}

// SetMetricsRecorder wires the Metrics & Health Scorer (spec §4.9) in
// after construction. Nil is safe and leaves outcome recording a no-op,
// matching SetStreamDispatcher's optional-wiring shape.
func (o *Orchestrator) SetMetricsRecorder(m *metrics.Recorder) {
	o.metricsRec = m
}

func (o *Orchestrator) recordMetrics(ctx context.Context, providerID string, kind errkind.Kind, elapsed time.Duration, cost float64) {
	if o.metricsRec == nil {
		return
	}
	o.metricsRec.RecordOutcome(ctx, providerID, kind, elapsed, cost, nil)
}

// recordBreaker reports the real adapter outcome into the circuit
// breaker the Router consulted at selection time, so it trips open on
// live failures rather than only via the admin API's manual drain.
func (o *Orchestrator) recordBreaker(providerID string, success bool) {
	if o.breakers == nil {
		return
	}
	if success {
		o.breakers.OnSuccess(providerID)
		return
	}
	o.breakers.OnFailure(providerID)
}

// Run polls the queue every ProcessingInterval and dispatches up to
// BatchSize ready entries, bounded by MaxConcurrent in-flight requests,
// until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.dispatchBatch(ctx)
		}
	}
}

func (o *Orchestrator) dispatchBatch(ctx context.Context) {
	batch, err := o.queue.PopBatch(ctx, o.cfg.BatchSize)
	if err != nil {
		o.log.Warn("orchestrator: pop batch failed", "error", err)
		return
	}
	for _, qr := range batch {
		qr := qr
		select {
		case o.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func() {
			defer func() { <-o.sem }()
			o.process(ctx, qr)
		}()
	}
}

// process carries one DISPATCHED request through ADMITTED/EXECUTING to a
// terminal state (or back to RETRY_SCHEDULED).
func (o *Orchestrator) process(ctx context.Context, qr *domain.QueuedRequest) {
	req := qr.Request

	if req.Context().Err() != nil {
		o.finalizeCancelled(ctx, qr)
		return
	}

	estimatedOutputTokens := req.Params.MaxTokens
	if estimatedOutputTokens <= 0 {
		estimatedOutputTokens = defaultEstimatedOutputTokens
	}

	decision, err := o.router.Select(ctx, req, estimatedOutputTokens)
	if err != nil {
		o.log.Warn("orchestrator: provider selection failed", "requestId", req.ID, "error", err)
		o.requeue(ctx, qr, o.cfg.Retry.BaseDelay)
		return
	}
	if decision.Provider == nil {
		o.requeue(ctx, qr, decision.WaitHint)
		return
	}

	if err := cost.CheckAdmission(req, decision.EstimatedCost); err != nil {
		req.RecordAttempt(err)
		o.auditEvent(ctx, audit.Failed, audit.SeverityWarning, req.ID, decision.Provider.ID, "request exceeded its cost ceiling at admission")
		o.fail(ctx, qr)
		return
	}

	if err := o.capacityMgr.Reserve(ctx, decision.Provider.ID, req.Priority); err != nil {
		o.requeue(ctx, qr, o.cfg.Retry.BaseDelay)
		return
	}
	qr.Status = domain.StatusAdmitted
	o.auditEvent(ctx, audit.Admitted, audit.SeverityInfo, req.ID, decision.Provider.ID, "request admitted")

	o.execute(ctx, qr, decision)
}

func (o *Orchestrator) execute(ctx context.Context, qr *domain.QueuedRequest, decision router.Decision) {
	req := qr.Request
	provider := decision.Provider

	adapter, ok := o.adapters.Lookup(provider.ID)
	if !ok {
		o.capacityMgr.Release(ctx, provider.ID, 0)
		req.RecordAttempt(errkind.New(errkind.ServerError, "no adapter registered for provider"))
		o.fail(ctx, qr)
		return
	}

	o.capacityMgr.MarkExecuting(provider.ID)
	qr.Status = domain.StatusExecuting
	qr.StartedAt = time.Now()
	o.auditEvent(ctx, audit.Dispatched, audit.SeverityInfo, req.ID, provider.ID, "request dispatched to provider")

	start := time.Now()
	var usage domain.Usage
	var execErr error

	if req.Params.Stream {
		usage, execErr = o.runStream(ctx, req, adapter)
	} else {
		var resp *domain.Response
		resp, execErr = adapter.Execute(req.Context(), req)
		if execErr == nil {
			usage = resp.Usage
			qr.Response = resp
		}
	}
	elapsed := time.Since(start)
	o.capacityMgr.Release(ctx, provider.ID, elapsed)
	if err := o.capacityMgr.RecordUsage(ctx, provider.ID, usage.Total); err != nil {
		o.log.Warn("orchestrator: record usage failed", "provider", provider.ID, "error", err)
	}

	if execErr == nil {
		req.RecordAttempt(nil)
		estCost := cost.EstimateCost(provider.Limits, usage.Input, usage.Output)
		o.costTracker.Record(ctx, req.SubmitterUserID, provider.ID, estCost)
		o.learning.Observe(retryOperation, provider.ID, true, req.Attempts(), elapsed)
		o.recordBreaker(provider.ID, true)
		o.recordMetrics(ctx, provider.ID, "", elapsed, estCost)
		o.auditEvent(ctx, audit.Completed, audit.SeverityInfo, req.ID, provider.ID, "request completed")
		if err := o.queue.Complete(ctx, qr); err != nil {
			o.log.Warn("orchestrator: mark complete failed", "requestId", req.ID, "error", err)
		}
		return
	}

	req.RecordAttempt(execErr)
	o.learning.Observe(retryOperation, provider.ID, false, req.Attempts(), elapsed)

	if req.Context().Err() != nil && errors.Is(req.Context().Err(), context.Canceled) {
		o.recordMetrics(ctx, provider.ID, errkind.Cancelled, elapsed, 0)
		o.finalizeCancelled(ctx, qr)
		return
	}
	if errors.Is(req.Context().Err(), context.DeadlineExceeded) {
		o.recordBreaker(provider.ID, false)
		o.recordMetrics(ctx, provider.ID, errkind.Timeout, elapsed, 0)
		qr.LastErrorKind = string(errkind.Timeout)
		qr.LastErrorMessage = "request timed out during execution"
		o.auditEvent(ctx, audit.TimedOut, audit.SeverityWarning, req.ID, provider.ID, "request timed out during execution")
		if err := o.queue.TimeOut(ctx, qr); err != nil {
			o.log.Warn("orchestrator: mark timed out failed", "requestId", req.ID, "error", err)
		}
		return
	}

	var routerErr *errkind.RouterError
	if !errors.As(execErr, &routerErr) {
		routerErr = errkind.Wrap(errkind.ServerError, "unclassified adapter error", execErr)
	}
	routerErr.Provider = provider.ID
	o.recordBreaker(provider.ID, false)
	o.recordMetrics(ctx, provider.ID, routerErr.Kind, elapsed, 0)

	ac := retry.AttemptContext{
		Operation:   retryOperation,
		ProviderID:  provider.ID,
		Attempt:     req.Attempts(),
		Err:         routerErr,
		Deadline:    req.Deadline,
		ElapsedTime: elapsed,
	}
	strategy := o.retryReg.Select(o.cfg.Retry, retryOperation, provider.ID)
	if strategy.ShouldRetry(o.cfg.Retry, ac) {
		o.requeue(ctx, qr, strategy.Delay(o.cfg.Retry, ac))
		return
	}

	o.auditEvent(ctx, audit.Failed, audit.SeverityError, req.ID, provider.ID, routerErr.Error())
	o.fail(ctx, qr)
}

func (o *Orchestrator) runStream(ctx context.Context, req *domain.Request, adapter provideradapter.ProviderAdapter) (domain.Usage, error) {
	source, err := adapter.Stream(req.Context(), req)
	if err != nil {
		return domain.Usage{}, err
	}

	if o.streamer != nil {
		outcome := <-o.streamer.Dispatch(req.Context(), req.ID, source, req.EstimatedTokens)
		return outcome.Usage, outcome.Err
	}

	// No streaming dispatcher wired yet: drain inline, no subscriber
	// fan-out.
	var usage domain.Usage
	for chunk := range source.Chunks() {
		usage.Output += chunk.Tokens
		usage.Total += chunk.Tokens
	}
	source.Close()
	usage.Input = req.EstimatedTokens
	return usage, source.Err()
}

func (o *Orchestrator) requeue(ctx context.Context, qr *domain.QueuedRequest, delay time.Duration) {
	if delay <= 0 {
		delay = time.Second
	}
	o.auditEvent(ctx, audit.RetryScheduled, audit.SeverityInfo, qr.Request.ID, "", "request re-queued for retry")
	if err := o.queue.ScheduleRetry(ctx, qr, delay); err != nil {
		o.log.Warn("orchestrator: schedule retry failed", "requestId", qr.Request.ID, "error", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, qr *domain.QueuedRequest) {
	o.recordTerminalError(qr)
	if err := o.queue.Fail(ctx, qr); err != nil {
		o.log.Warn("orchestrator: mark failed failed", "requestId", qr.Request.ID, "error", err)
	}
}

func (o *Orchestrator) finalizeCancelled(ctx context.Context, qr *domain.QueuedRequest) {
	qr.LastErrorKind = string(errkind.Cancelled)
	qr.LastErrorMessage = "request cancelled"
	o.auditEvent(ctx, audit.Cancelled, audit.SeverityInfo, qr.Request.ID, "", "request cancelled")
	if err := o.queue.Cancelled(ctx, qr); err != nil {
		o.log.Warn("orchestrator: mark cancelled failed", "requestId", qr.Request.ID, "error", err)
	}
}

// recordTerminalError copies the request's last recorded error onto qr
// so GET /requests/{id} can report {kind, message} without re-deriving
// it from the request's internal attempt history.
func (o *Orchestrator) recordTerminalError(qr *domain.QueuedRequest) {
	lastErr := qr.Request.LastError()
	if lastErr == nil {
		return
	}
	var routerErr *errkind.RouterError
	if errors.As(lastErr, &routerErr) {
		qr.LastErrorKind = string(routerErr.Kind)
		qr.LastErrorMessage = routerErr.Message
		return
	}
	qr.LastErrorKind = string(errkind.ServerError)
	qr.LastErrorMessage = lastErr.Error()
}

func (o *Orchestrator) auditEvent(ctx context.Context, evt audit.EventType, sev audit.Severity, requestID, providerID, message string) {
	if o.auditLogger == nil {
		return
	}
	e := audit.New(ctx, evt, sev, message).WithMetadata("requestId", requestID)
	if providerID != "" {
		e.Provider = providerID
	}
	o.auditLogger.Emit(e)
}
