package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/joshp123/gohome-herohealth/internal/config"
	"github.com/joshp123/gohome-herohealth/internal/core"
	"github.com/joshp123/gohome-herohealth/internal/history"
	"github.com/joshp123/gohome-herohealth/internal/mqtt"
	"github.com/joshp123/gohome-herohealth/internal/oauth"
	"github.com/joshp123/gohome-herohealth/internal/plugins"
	"github.com/joshp123/gohome-herohealth/internal/rate"
	"github.com/joshp123/gohome-herohealth/internal/router"
	"github.com/joshp123/gohome-herohealth/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCmd(flags *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	blob, err := oauth.NewBlobStore(cfg.OAuth)
	if err != nil {
		return fmt.Errorf("oauth blob store: %w", err)
	}
	deps := plugins.Deps{
		Logger:          logger,
		Blob:            blob,
		RefreshInterval: oauth.RefreshInterval(cfg.OAuth),
	}

	if cfg.MQTT != nil {
		publisher, err := mqtt.NewPublisher(*cfg.MQTT, logger)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		if err := publisher.Connect(ctx); err != nil {
			return err
		}
		defer publisher.Close()
		deps.Publisher = publisher
	}
	if cfg.History != nil {
		sink, err := history.NewClickHouseSink(ctx, *cfg.History, logger)
		if err != nil {
			// History is optional; the hub keeps serving without it.
			logger.Warn("history sink disabled", zap.Error(err))
		} else {
			defer func() { _ = sink.Close() }()
			deps.History = sink
		}
	}

	compiled := plugins.Compiled(cfg, deps)
	enabled := config.EnabledPlugins(cfg)
	if err := core.ValidateEnabledPlugins(compiled, enabled, false); err != nil {
		return err
	}
	active := core.FilterPlugins(compiled, enabled, false)
	if err := core.ValidatePlugins(active); err != nil {
		return err
	}
	if err := core.WriteDashboards(cfg.Core.DashboardDir, active); err != nil {
		logger.Warn("write dashboards", zap.Error(err))
	}

	shared := append([]prometheus.Collector{buildInfo()}, oauth.MetricsCollectors()...)
	shared = append(shared, rate.MetricsCollectors()...)
	if deps.Publisher != nil {
		shared = append(shared, mqtt.MetricsCollectors()...)
	}

	grpcServer, err := server.NewGRPCServer(cfg.Core.GRPCAddr, logger)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	router.RegisterPlugins(grpcServer.Server, active)
	shared = append(shared, grpcServer.Metrics)
	registry := core.MetricsRegistry(active, shared...)
	httpServer := server.NewHTTPServer(cfg.Core.HTTPAddr, server.NewRouter(active, registry), logger)

	for _, p := range active {
		if runner, ok := p.(core.Runner); ok {
			runner.Start(ctx)
		}
		logger.Info("plugin loaded", zap.String("plugin", p.ID()), zap.String("health", string(p.Health())))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return grpcServer.Run(gctx) })
	g.Go(func() error { return httpServer.Run(gctx) })
	return g.Wait()
}

func buildInfo() prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gohome_build_info",
		Help: "Build information",
	}, func() float64 { return 1 })
}
