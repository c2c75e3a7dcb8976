package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server is the companion end of the channel.
type Server struct {
	gs     *grpc.Server
	health *health.Server
	ln     net.Listener
	path   string
	log    *zap.Logger
}

// ServerOption configures Listen.
type ServerOption func(*serverConfig)

type serverConfig struct {
	log   *zap.Logger
	allow func(Cred) error
}

// WithServerLogger sets the server logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(c *serverConfig) { c.log = l }
}

// WithPeerCheck replaces the default same-user peer check.
func WithPeerCheck(allow func(Cred) error) ServerOption {
	return func(c *serverConfig) { c.allow = allow }
}

// Listen binds the socket for pid in dir and serves h until Close.
func Listen(dir string, pid int, h Handler, opts ...ServerOption) (*Server, error) {
	cfg := serverConfig{log: zap.NewNop(), allow: allowSameUser}
	for _, o := range opts {
		o(&cfg)
	}

	path := SocketPath(dir, pid)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// a socket named after our own pid can only be left over from a previous run
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, err
	}

	s := &Server{
		ln:     &peerListener{Listener: ln, allow: cfg.allow, log: cfg.log},
		path:   path,
		log:    cfg.log,
		health: health.NewServer(),
	}
	s.gs = grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	s.gs.RegisterService(&serviceDesc, h)
	healthpb.RegisterHealthServer(s.gs, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := s.gs.Serve(s.ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("channel server stopped", zap.Error(err))
		}
	}()
	s.log.Info("channel listening", zap.String("socket", path))
	return s, nil
}

// Path is the socket path.
func (s *Server) Path() string { return s.path }

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if r, ok := req.(*Request); ok {
		s.log.Debug("request", zap.Uint64("id", r.ID), zap.String("op", r.Op), zap.Duration("took", time.Since(start)), zap.Error(err))
	}
	return resp, err
}

// Close stops serving and unlinks the socket.
func (s *Server) Close() error {
	s.health.Shutdown()
	s.gs.Stop()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
