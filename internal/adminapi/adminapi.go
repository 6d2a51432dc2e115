// Package adminapi exposes the admin/control-plane gRPC surface
// SPEC_FULL.md adds for the out-of-scope "admin dashboard" collaborator
// (§1): list providers with live health/utilization, force-drain a
// provider, and inspect queue depth. It is grounded on
// adapter/grpc/grpc_server.go's listener/Start/GracefulStop lifecycle,
// generalized from a single agentpb.AgentService (codegen'd from a
// proto/ package this pack never retrieved) into a hand-registered
// grpc.ServiceDesc over google.golang.org/protobuf's structpb.Struct —
// a real, already-generated proto.Message — rather than fabricating a
// new generated agentpb-style package without protoc available
// (DESIGN.md records this tradeoff).
package adminapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/scttfrdmn/airouter/internal/circuitbreaker"
	"github.com/scttfrdmn/airouter/internal/domain"
	"github.com/scttfrdmn/airouter/internal/queue"
)

// CapacitySource mirrors httpapi.CapacitySource; adminapi depends on it
// directly rather than importing httpapi, keeping the two ingress
// surfaces independent of one another.
type CapacitySource interface {
	Providers() []*domain.Provider
	State(providerID string) (domain.CapacityState, bool)
	HealthScore(providerID string) float64
}

// Server implements the admin RPCs against the live control plane.
type Server struct {
	capacitySrc CapacitySource
	breakers    *circuitbreaker.Manager
	q           *queue.Queue
	log         *slog.Logger

	listener net.Listener
	grpcSrv  *grpc.Server
	mu       sync.Mutex
	running  bool
}

const serviceName = "airouter.admin.v1.AdminService"

// serviceDesc registers the three unary RPCs by hand against
// grpc.ServiceDesc, the same mechanism protoc-gen-go-grpc output uses
// under the hood (spec §6's admin dashboard collaborator contract).
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListProviders", Handler: listProvidersHandler},
		{MethodName: "DrainProvider", Handler: drainProviderHandler},
		{MethodName: "QueueStats", Handler: queueStatsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/adminapi/adminapi.go",
}

func listProvidersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.listProviders(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/" + serviceName + "/ListProviders"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.listProviders(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func drainProviderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.drainProvider(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/" + serviceName + "/DrainProvider"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.drainProvider(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func queueStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.queueStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/" + serviceName + "/QueueStats"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.queueStats(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// New constructs a Server bound to addr. capacitySrc and q may be the
// same *internal/capacity.Manager and *internal/queue.Queue wired into
// the ingress API.
func New(addr string, capacitySrc CapacitySource, breakers *circuitbreaker.Manager, q *queue.Queue, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("adminapi: listen on %s: %w", addr, err)
	}
	s := &Server{
		capacitySrc: capacitySrc,
		breakers:    breakers,
		q:           q,
		log:         log,
		listener:    listener,
	}
	grpcSrv := grpc.NewServer()
	grpcSrv.RegisterService(&serviceDesc, s)
	s.grpcSrv = grpcSrv
	return s, nil
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.log.Info("adminapi: listening", "addr", s.listener.Addr().String())
	go func() {
		if err := s.grpcSrv.Serve(s.listener); err != nil {
			s.log.Warn("adminapi: server stopped", "error", err)
		}
	}()
}

// Stop gracefully drains in-flight RPCs.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.grpcSrv.GracefulStop()
	s.running = false
}

func (s *Server) listProviders(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	items := make([]any, 0)
	for _, p := range s.capacitySrc.Providers() {
		state, _ := s.capacitySrc.State(p.ID)
		breakerState := "closed"
		if s.breakers != nil {
			breakerState = s.breakers.State(p.ID).String()
		}
		items = append(items, map[string]any{
			"id":              p.ID,
			"healthScore":     s.capacitySrc.HealthScore(p.ID),
			"active":          float64(state.Active),
			"reserved":        float64(state.Reserved),
			"maxConcurrent":   float64(p.Limits.MaxConcurrent),
			"p95LatencyMs":    p.P95LatencyMs,
			"successRate":     p.SuccessRate,
			"circuitBreaker":  breakerState,
		})
	}
	return structpb.NewStruct(map[string]any{"providers": items})
}

func (s *Server) drainProvider(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := in.Fields["providerId"].GetStringValue()
	if s.breakers != nil && id != "" {
		for i := 0; i < circuitbreakerDrainTrips; i++ {
			s.breakers.OnFailure(id)
		}
	}
	return structpb.NewStruct(map[string]any{"providerId": id, "drained": id != ""})
}

// circuitbreakerDrainTrips forces the breaker open via the same failure
// path a real outage would, rather than adding a separate forced-open
// state the breaker package doesn't otherwise need.
const circuitbreakerDrainTrips = 10

func (s *Server) queueStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	pending, err := s.q.PendingLength(ctx)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"pendingLength": float64(pending),
		"sampledAt":     time.Now().UTC().Format(time.RFC3339),
	})
}
