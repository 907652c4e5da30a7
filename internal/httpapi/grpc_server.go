package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"corpusguard.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer publishes readiness through the standard gRPC health service,
// both for the whole server ("") and for serviceName.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
}

func NewGRPCServer(r readinessChecker) *GRPCServer {
	return &GRPCServer{health: health.NewServer(), readiness: r}
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Refresh runs the readiness probe and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) error {
	err := s.readiness.Check(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
	obs.SetReady(err == nil)
	return err
}

// Watch refreshes every interval until ctx ends, then marks the server as
// shutting down so clients drain.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		cctx, cancel := context.WithTimeout(ctx, interval)
		if err := s.Refresh(cctx); err != nil {
			obs.LogEvent("warn", "readiness_failed", map[string]any{"error": err.Error()})
		}
		cancel()
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
