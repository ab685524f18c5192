package herohealth

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/joshp123/gohome-herohealth/internal/config"
	"github.com/joshp123/gohome-herohealth/internal/core"
	"github.com/joshp123/gohome-herohealth/internal/oauth"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

//go:embed AGENTS.md
var agentsMD string

//go:embed dashboard.json
var dashboardJSON []byte

// Options carries the shared infrastructure a plugin instance is wired to.
type Options struct {
	Logger *zap.Logger
	Blob   oauth.BlobStore
	// Publisher and History are optional outputs fed after every poll.
	Publisher EntityPublisher
	History   Recorder
	Sinks     []Sink
	// RefreshInterval drives background token refresh; 0 disables it.
	RefreshInterval time.Duration
}

// Plugin implements the GoHome plugin contract.
type Plugin struct {
	config      Config
	manager     *oauth.Manager
	client      *Client
	coordinator *Coordinator
	refresh     time.Duration
	logger      *zap.Logger

	health        core.HealthStatus
	healthMessage string
}

var _ core.Runner = (*Plugin)(nil)

// NewPlugin builds the plugin from its config section. It returns false when
// the section is absent. Setup errors are reported through Health instead.
func NewPlugin(section *config.HeroHealthConfig, opts Options) (*Plugin, bool) {
	if section == nil {
		return nil, false
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named(PluginID)

	cfg, err := ConfigFromSection(section)
	if err != nil {
		return &Plugin{logger: logger, health: core.HealthError, healthMessage: err.Error()}, true
	}

	manager, err := oauth.NewManager(Declaration(cfg.StatePath), opts.Blob, logger)
	if err != nil {
		return &Plugin{config: cfg, logger: logger, health: core.HealthError, healthMessage: err.Error()}, true
	}

	client := NewClient(cfg, manager, logger)
	client.SetAccountID(manager.Subject())
	sinks := append([]Sink(nil), opts.Sinks...)
	if opts.Publisher != nil {
		sinks = append(sinks, NewMQTTSink(opts.Publisher))
	}
	if opts.History != nil {
		sinks = append(sinks, NewHistorySink(opts.History, cfg.Location))
	}
	coordinator := NewCoordinator(cfg, client, manager, sinks, logger)

	return &Plugin{
		config:      cfg,
		manager:     manager,
		client:      client,
		coordinator: coordinator,
		refresh:     opts.RefreshInterval,
		logger:      logger,
		health:      core.HealthHealthy,
	}, true
}

func (p *Plugin) ID() string {
	return PluginID
}

func (p *Plugin) Manifest() core.Manifest {
	return core.Manifest{
		PluginID:    PluginID,
		DisplayName: "Hero Health",
		Version:     "0.1.0",
		Services:    []string{ServiceName},
	}
}

func (p *Plugin) AgentsMD() string {
	return agentsMD
}

func (p *Plugin) OAuthDeclaration() oauth.Declaration {
	return Declaration(p.config.StatePath)
}

func (p *Plugin) Dashboards() []core.Dashboard {
	return []core.Dashboard{{Name: "herohealth-overview", JSON: dashboardJSON}}
}

func (p *Plugin) RegisterGRPC(server *grpc.Server) {
	RegisterHeroHealthService(server, p.coordinator, p.client)
}

func (p *Plugin) Collectors() []prometheus.Collector {
	if p.coordinator == nil {
		return nil
	}
	return []prometheus.Collector{NewMetricsCollector(p.coordinator)}
}

// Start launches token refresh and the poll loop.
func (p *Plugin) Start(ctx context.Context) {
	if p.coordinator == nil {
		return
	}
	p.manager.StartWithInterval(ctx, p.refresh)
	go p.coordinator.Run(ctx)
	p.logger.Info("herohealth polling started",
		zap.Duration("scan_interval", p.config.ScanInterval),
		zap.String("account_id", p.client.AccountID()))
}

// Coordinator exposes the poller, mainly for commands and tests.
func (p *Plugin) Coordinator() *Coordinator {
	return p.coordinator
}

func (p *Plugin) Health() core.HealthStatus {
	status, _ := p.liveHealth()
	return status
}

func (p *Plugin) HealthMessage() string {
	_, msg := p.liveHealth()
	return msg
}

func (p *Plugin) liveHealth() (core.HealthStatus, string) {
	if p.coordinator == nil {
		return p.health, p.healthMessage
	}
	snap := p.coordinator.Snapshot()
	switch {
	case snap.Reauth:
		return core.HealthError, "re-authentication required: run `gohome herohealth login`"
	case snap.Polls == 0:
		if p.manager.ReauthRequired() {
			return core.HealthError, "no credentials: run `gohome herohealth login`"
		}
		return core.HealthDegraded, "waiting for first poll"
	case !snap.Reachable:
		return core.HealthError, "cloud unreachable: " + snap.LastError
	case snap.LastSuccess.IsZero():
		return core.HealthError, "no successful poll yet"
	}
	if failed := snap.FailedSources(); len(failed) > 0 {
		return core.HealthDegraded, fmt.Sprintf("sources failing: %v", failed)
	}
	return core.HealthHealthy, ""
}
