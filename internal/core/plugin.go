package core

import (
	"context"

	"github.com/joshp123/gohome-herohealth/internal/oauth"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

// HealthStatus is what the registry and /health report for a plugin.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthError    HealthStatus = "ERROR"
)

func (h HealthStatus) rank() int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}

// OverallHealth is the worst status among plugins, HEALTHY when there are none.
func OverallHealth(plugins []Plugin) HealthStatus {
	worst := HealthHealthy
	for _, p := range plugins {
		if status := p.Health(); status.rank() > worst.rank() {
			worst = status
		}
	}
	return worst
}

type Dashboard struct {
	Name string
	JSON []byte
}

type Manifest struct {
	PluginID    string
	DisplayName string
	Version     string
	// Services are fully qualified gRPC service names.
	Services []string
}

// Plugin is implemented by every compiled-in integration.
type Plugin interface {
	ID() string
	Manifest() Manifest
	AgentsMD() string
	OAuthDeclaration() oauth.Declaration
	Dashboards() []Dashboard
	RegisterGRPC(*grpc.Server)
	Collectors() []prometheus.Collector
	Health() HealthStatus
	HealthMessage() string
}

// HTTPRegistrant is implemented by plugins that serve routes under /api.
type HTTPRegistrant interface {
	RegisterHTTP(*httprouter.Router)
}

// Runner is implemented by plugins with background work. Start must not block.
type Runner interface {
	Start(ctx context.Context)
}
