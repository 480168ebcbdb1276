package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"catequiz.org/internal/obs"
)

// GRPCServer exposes the standard gRPC health service, driven by the same
// readiness probe as /readyz.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
}

func NewGRPCServer(r readinessChecker) *GRPCServer {
	s := &GRPCServer{health: health.NewServer(), readiness: r}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to g.
func (s *GRPCServer) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.health)
}

func (s *GRPCServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}

// Probe runs the readiness check once and publishes the result.
func (s *GRPCServer) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	obs.SetReady(true)
	s.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Run probes every interval until ctx is done.
func (s *GRPCServer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Probe(ctx); err != nil {
			obs.Log("warn", "readiness probe failed", map[string]any{"error": err})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown reports NOT_SERVING to every watcher.
func (s *GRPCServer) Shutdown() { s.health.Shutdown() }
