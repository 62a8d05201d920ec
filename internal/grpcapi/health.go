// Package grpcapi exposes the standard gRPC health service so orchestrators
// can probe the server without speaking HTTP.
package grpcapi

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is reported alongside the overall ("") status.
const ServiceName = "portunus.v1.Access"

const defaultProbeInterval = 10 * time.Second

// Probe reports whether the backing store is usable.
type Probe func(ctx context.Context) error

type Server struct {
	grpc     *grpc.Server
	health   *grpchealth.Server
	probe    Probe
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	serving bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewServer(probe Probe, interval time.Duration, logger *slog.Logger) *Server {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	gs := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{grpc: gs, health: hs, probe: probe, interval: interval, logger: logger}
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve blocks accepting connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc health listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Start probes once and then keeps probing in the background until Stop
// or ctx ends.
func (s *Server) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	s.ProbeOnce(ctx)
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ProbeOnce(ctx)
			}
		}
	}()
}

// ProbeOnce runs the probe and publishes the result.  It reports whether
// the server is serving.
func (s *Server) ProbeOnce(ctx context.Context) bool {
	ok := true
	if s.probe != nil {
		pctx, cancel := context.WithTimeout(ctx, s.interval)
		err := s.probe(pctx)
		cancel()
		if err != nil {
			ok = false
			s.logger.WarnContext(ctx, "store probe failed", "error", err)
		}
	}

	s.mu.Lock()
	changed := ok != s.serving
	s.serving = ok
	s.mu.Unlock()

	if ok {
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
	} else {
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	if changed {
		s.logger.InfoContext(ctx, "grpc health changed", "serving", ok)
	}
	return ok
}

// Stop marks the server NOT_SERVING and drains in-flight RPCs until ctx
// expires.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}
