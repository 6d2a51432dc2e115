// Command router wires every control-plane package into the running
// service: ingress HTTP API, admin gRPC API, the execution orchestrator,
// streaming dispatcher, and the periodic health/checkpoint sweeps. It
// follows the teacher's adapter/http/http_server.go Start/Stop lifecycle,
// extended with the SIGTERM drain-then-exit-code contract spec §6
// prescribes: exit 0 after a clean drain, exit 2 on a drain timeout,
// exit 3 if the coordination store is unreachable at startup.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scttfrdmn/airouter/internal/adminapi"
	"github.com/scttfrdmn/airouter/internal/audit"
	"github.com/scttfrdmn/airouter/internal/capacity"
	"github.com/scttfrdmn/airouter/internal/checkpoint"
	"github.com/scttfrdmn/airouter/internal/circuitbreaker"
	"github.com/scttfrdmn/airouter/internal/config"
	"github.com/scttfrdmn/airouter/internal/cost"
	"github.com/scttfrdmn/airouter/internal/domain"
	"github.com/scttfrdmn/airouter/internal/httpapi"
	"github.com/scttfrdmn/airouter/internal/metrics"
	"github.com/scttfrdmn/airouter/internal/orchestrator"
	"github.com/scttfrdmn/airouter/internal/provideradapter"
	"github.com/scttfrdmn/airouter/internal/queue"
	"github.com/scttfrdmn/airouter/internal/ratelimit"
	"github.com/scttfrdmn/airouter/internal/retry"
	"github.com/scttfrdmn/airouter/internal/router"
	"github.com/scttfrdmn/airouter/internal/store"
	"github.com/scttfrdmn/airouter/internal/streaming"
	"github.com/scttfrdmn/airouter/internal/telemetry"
)

const (
	exitOK               = 0
	exitDrainTimeout     = 2
	exitStoreUnreachable = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	telemetry.Configure(slog.LevelInfo, true, true)
	log := slog.Default()

	cfg := config.FromEnv(config.Default())

	st, err := connectStore(cfg)
	if err != nil {
		log.Error("router: coordination store unreachable at startup", "error", err)
		return exitStoreUnreachable
	}
	defer st.Close()

	if _, err := telemetry.InitMetrics("airouter"); err != nil {
		log.Warn("router: metrics init failed, continuing without export", "error", err)
	}
	if _, err := telemetry.InitTracing("airouter"); err != nil {
		log.Warn("router: tracing init failed, continuing without export", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
		_ = telemetry.ShutdownTracing(shutdownCtx)
	}()

	auditLogger := audit.NewLogger(audit.NewJSONSink(os.Stdout))

	providers := seedProviders()
	capacityMgr := capacity.New(cfg.Capacity, st, log, providers)
	limiter := ratelimit.New(st, cfg.Tiers, cfg.Burst, log)
	breakers := circuitbreaker.New(circuitbreaker.DefaultConfig())
	costTracker := cost.NewTracker(0, 0.8, auditLogger)
	learning := retry.NewLearningStore()
	retryReg := retry.NewRegistry(learning)
	adapters := wireAdapters(log)

	q := queue.New(st, cfg.PriorityWeights, limiter, auditLogger)
	r := router.New(capacityMgr, breakers)
	orch := orchestrator.New(q, capacityMgr, breakers, r, retryReg, learning, adapters, costTracker, auditLogger, cfg, log)

	metricsRec := metrics.New(st, auditLogger, log)
	orch.SetMetricsRecorder(metricsRec)

	dispatcher := streaming.New(log)
	orch.SetStreamDispatcher(dispatcher)

	ckpt := checkpoint.New(st, q, time.Minute, 100, log)

	ingress := httpapi.New(cfg.HTTPAddr, q, dispatcher, capacityMgr, 60*time.Second, cfg.Capacity.QueueLengthLimit, log)
	if err := ingress.Start(); err != nil {
		log.Error("router: ingress server failed to start", "error", err)
		return exitStoreUnreachable
	}

	admin, err := adminapi.New(cfg.AdminGRPCAddr, capacityMgr, breakers, q, log)
	if err != nil {
		log.Error("router: admin server failed to start", "error", err)
		return exitStoreUnreachable
	}
	admin.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	capacityMgr.StartHealthSweep(ctx)
	metricsRec.StartSweep(ctx, cfg.Capacity.MonitoringInterval, capacityMgr)
	go ckpt.Start(ctx)
	go orch.Run(ctx)

	log.Info("router: started", "httpAddr", cfg.HTTPAddr, "adminAddr", cfg.AdminGRPCAddr)

	<-ctx.Done()
	log.Info("router: shutdown signal received, draining")

	return drain(ingress, admin, capacityMgr, metricsRec, ckpt, cfg.DrainDeadline, log)
}

func drain(ingress *httpapi.Server, admin *adminapi.Server, capacityMgr *capacity.Manager, metricsRec *metrics.Recorder, ckpt *checkpoint.Manager, deadline time.Duration, log *slog.Logger) int {
	done := make(chan struct{})
	go func() {
		defer close(done)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), deadline)
		defer cancel()
		if err := ingress.Shutdown(shutdownCtx); err != nil {
			log.Warn("router: ingress drain error", "error", err)
		}
		admin.Stop()
		capacityMgr.Stop()
		metricsRec.Stop()
		ckpt.Stop()
		if _, err := ckpt.Snapshot(shutdownCtx); err != nil {
			log.Warn("router: final checkpoint failed", "error", err)
		}
	}()

	select {
	case <-done:
		log.Info("router: drained cleanly")
		return exitOK
	case <-time.After(deadline):
		log.Error("router: drain deadline exceeded, forcing exit")
		return exitDrainTimeout
	}
}

func connectStore(cfg config.Config) (store.Store, error) {
	return store.NewRedisStore(cfg.RedisAddr)
}

// seedProviders declares the four upstream providers this control plane
// routes between (spec §1): OpenAI, Anthropic-style (via Bedrock),
// Google-style (Gemini), and a local self-hosted runtime.
func seedProviders() []*domain.Provider {
	return []*domain.Provider{
		{
			ID:           "openai-gpt4",
			Capabilities: []string{"text-generation", "code-generation"},
			Models:       []string{"gpt-4-turbo"},
			Limits: domain.Limits{
				MaxConcurrent:     50,
				RequestsPerMinute: 500,
				TokensPerMinute:   150000,
				CostPer1kInput:    0.01,
				CostPer1kOutput:   0.03,
			},
			HealthScore: 1.0,
			SuccessRate: 0.99,
		},
		{
			ID:           "anthropic-bedrock",
			Capabilities: []string{"text-generation", "code-generation"},
			Models:       []string{"anthropic.claude-3-sonnet"},
			Limits: domain.Limits{
				MaxConcurrent:     40,
				RequestsPerMinute: 400,
				TokensPerMinute:   120000,
				CostPer1kInput:    0.003,
				CostPer1kOutput:   0.015,
			},
			HealthScore: 1.0,
			SuccessRate: 0.99,
		},
		{
			ID:           "gemini-pro",
			Capabilities: []string{"text-generation"},
			Models:       []string{"gemini-1.5-pro"},
			Limits: domain.Limits{
				MaxConcurrent:     40,
				RequestsPerMinute: 360,
				TokensPerMinute:   100000,
				CostPer1kInput:    0.0025,
				CostPer1kOutput:   0.0075,
			},
			HealthScore: 1.0,
			SuccessRate: 0.98,
		},
		{
			ID:           "local-runtime",
			Capabilities: []string{"text-generation"},
			Models:       []string{"llama3"},
			Limits: domain.Limits{
				MaxConcurrent:     10,
				RequestsPerMinute: 120,
				TokensPerMinute:   50000,
				CostPer1kInput:    0,
				CostPer1kOutput:   0,
			},
			HealthScore: 1.0,
			SuccessRate: 0.95,
		},
	}
}

func wireAdapters(log *slog.Logger) *provideradapter.Registry {
	reg := provideradapter.NewRegistry()

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		reg.Register(provideradapter.NewOpenAIAdapter("openai-gpt4", key, "gpt-4-turbo"))
	} else {
		log.Warn("router: OPENAI_API_KEY unset, openai-gpt4 adapter not registered")
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		adapter, err := provideradapter.NewAnthropicAdapter(ctx, "anthropic-bedrock", region, "anthropic.claude-3-sonnet-20240229-v1:0")
		if err != nil {
			log.Warn("router: anthropic-bedrock adapter init failed", "error", err)
		} else {
			reg.Register(adapter)
		}
	} else {
		log.Warn("router: AWS_REGION unset, anthropic-bedrock adapter not registered")
	}

	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		adapter, err := provideradapter.NewGeminiAdapter(ctx, "gemini-pro", key, "gemini-1.5-pro")
		if err != nil {
			log.Warn("router: gemini-pro adapter init failed", "error", err)
		} else {
			reg.Register(adapter)
		}
	} else {
		log.Warn("router: GOOGLE_API_KEY unset, gemini-pro adapter not registered")
	}

	localURL := os.Getenv("LOCAL_RUNTIME_URL")
	if localURL == "" {
		localURL = "http://localhost:11434"
	}
	reg.Register(provideradapter.NewLocalAdapter("local-runtime", "llama3", localURL))

	return reg
}
