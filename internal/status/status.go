// Package status exposes capture liveness over the standard gRPC health
// protocol, so the run-control host can poll the DAQ machine with any
// grpc_health_probe style client.
package status

import (
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"He6CRES/udprx/internal/logger"
)

// Service is the health service name reporting whether a capture is running.
const Service = "udprx.Capture"

// Server serves grpc.health.v1.Health.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *logger.Logger

	mu   sync.Mutex
	lis  net.Listener
	done chan struct{}
}

// New returns a server whose capture service starts out NOT_SERVING.
func New(log *logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	hs := health.NewServer()
	hs.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{grpc: gs, health: hs, log: log}
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.lis = lis
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.log.Info("[status] Health service listening on %s", lis.Addr())
	go func() {
		defer close(done)
		if err := s.grpc.Serve(lis); err != nil {
			s.log.Error("[status] Health service stopped: %v", err)
		}
	}()
	return nil
}

// Addr is the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// SetCapturing reports whether a capture run is in progress.
func (s *Server) SetCapturing(running bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if running {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(Service, st)
}

// Stop marks every service NOT_SERVING and shuts the server down, waiting
// for open health checks to finish.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}
