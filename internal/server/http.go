package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/joshp123/gohome-herohealth/internal/core"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// NewRouter wires health, metrics, dashboards and plugin routes.
func NewRouter(plugins []core.Plugin, registry *prometheus.Registry) *httprouter.Router {
	router := httprouter.New()
	router.GET("/health", HealthHandler(plugins))
	router.Handler(http.MethodGet, "/metrics", MetricsHandler(registry))
	router.GET("/dashboards/:plugin/:file", DashboardsHandler(core.DashboardsMap(plugins)))

	for _, p := range plugins {
		if registrant, ok := p.(core.HTTPRegistrant); ok {
			registrant.RegisterHTTP(router)
		}
	}
	return router
}

// HTTPServer serves health, metrics, dashboards and plugin APIs.
type HTTPServer struct {
	Server *http.Server
	logger *zap.Logger
}

func NewHTTPServer(addr string, handler http.Handler, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		Server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.Named("http"),
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.Server.Addr))
		errCh <- s.Server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}
