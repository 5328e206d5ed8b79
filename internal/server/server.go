package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/ppiankov/govgate/internal/app"
)

// Server exposes the governance core over gRPC and serves the ops endpoints.
type Server struct {
	app   *app.App
	local *Local
	log   zerolog.Logger

	grpcServer *grpc.Server
	opsServer  *http.Server
}

// New wraps a wired App. Request admission follows the app's server config;
// a non-positive rate disables it.
func New(a *app.App) *Server {
	s := &Server{
		app:   a,
		local: &Local{App: a},
		log:   a.Log.With().Str("component", "server").Logger(),
	}

	var lim *rate.Limiter
	if cfg := a.Config.Server; cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond)
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(burst, 1))
	}
	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(admission(lim)))
	s.grpcServer.RegisterService(serviceDesc(), s)

	s.opsServer = &http.Server{
		Handler:           s.OpsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Local returns the in-process Governance the RPCs delegate to.
func (s *Server) Local() *Local { return s.local }

// Serve listens on the configured addresses and blocks until ctx is
// cancelled or a listener fails.
func (s *Server) Serve(ctx context.Context) error {
	cfg := s.app.Config.Server
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
	}
	var opsLis net.Listener
	if cfg.OpsAddr != "" {
		opsLis, err = net.Listen("tcp", cfg.OpsAddr)
		if err != nil {
			grpcLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.OpsAddr, err)
		}
	}
	return s.ServeOn(ctx, grpcLis, opsLis)
}

// ServeOn serves on the given listeners. opsLis may be nil.
func (s *Server) ServeOn(ctx context.Context, grpcLis, opsLis net.Listener) error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.grpcServer.Serve(grpcLis) }()
	if opsLis != nil {
		go func() {
			if err := s.opsServer.Serve(opsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}
	s.log.Info().Str("grpc", grpcLis.Addr().String()).Msg("governance server listening")

	select {
	case <-ctx.Done():
		s.GracefulStop()
		return nil
	case err := <-errCh:
		s.GracefulStop()
		return err
	}
}

// GracefulStop drains in-flight RPCs and stops the ops server.
func (s *Server) GracefulStop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.opsServer.Shutdown(shutdownCtx)
	s.grpcServer.GracefulStop()
}
