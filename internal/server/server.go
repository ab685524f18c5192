package server

import (
	"context"
	"net"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

// GRPCServer wraps a gRPC server and listener.
type GRPCServer struct {
	Server   *grpc.Server
	Listener net.Listener
	// Metrics counts handled RPCs; register it with the metrics registry.
	Metrics *grpc_prometheus.ServerMetrics
	logger  *zap.Logger
}

func NewGRPCServer(addr string, logger *zap.Logger) (*GRPCServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("grpc")

	metrics := grpc_prometheus.NewServerMetrics()
	s := grpc.NewServer(
		grpc_middleware.WithUnaryServerChain(
			grpc_recovery.UnaryServerInterceptor(),
			grpc_zap.UnaryServerInterceptor(logger),
			metrics.UnaryServerInterceptor(),
		),
		grpc_middleware.WithStreamServerChain(
			grpc_recovery.StreamServerInterceptor(),
			metrics.StreamServerInterceptor(),
		),
	)
	reflection.Register(s)

	return &GRPCServer{Server: s, Listener: ln, Metrics: metrics, logger: logger}, nil
}

// Run serves until ctx is done, then drains in-flight calls.
func (s *GRPCServer) Run(ctx context.Context) error {
	s.Metrics.InitializeMetrics(s.Server)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("grpc server listening", zap.String("addr", s.Listener.Addr().String()))
		errCh <- s.Server.Serve(s.Listener)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.Server.GracefulStop()
		s.logger.Info("grpc server stopped")
		return nil
	}
}
