package plugins

import (
	"time"

	"github.com/joshp123/gohome-herohealth/internal/config"
	"github.com/joshp123/gohome-herohealth/internal/core"
	"github.com/joshp123/gohome-herohealth/internal/history"
	"github.com/joshp123/gohome-herohealth/internal/mqtt"
	"github.com/joshp123/gohome-herohealth/internal/oauth"
	"go.uber.org/zap"
)

// Deps are the shared services a plugin may use. Nil fields are disabled.
type Deps struct {
	Logger          *zap.Logger
	Blob            oauth.BlobStore
	Publisher       *mqtt.Publisher
	History         *history.ClickHouseSink
	RefreshInterval time.Duration
}

// Factory builds a plugin instance from the loaded config.
type Factory func(*config.Config, Deps) (core.Plugin, bool)

var compiled []Factory

// Register adds a compiled-in plugin factory to the registry.
func Register(factory Factory) {
	compiled = append(compiled, factory)
}

// Compiled returns the configured plugin instances for this build.
func Compiled(cfg *config.Config, deps Deps) []core.Plugin {
	if cfg == nil {
		return nil
	}
	out := make([]core.Plugin, 0, len(compiled))
	for _, factory := range compiled {
		plugin, ok := factory(cfg, deps)
		if !ok {
			continue
		}
		out = append(out, plugin)
	}
	return out
}
