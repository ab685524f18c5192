package plugins

import (
	"github.com/joshp123/gohome-herohealth/internal/config"
	"github.com/joshp123/gohome-herohealth/internal/core"
	"github.com/joshp123/gohome-herohealth/plugins/herohealth"
)

func init() {
	Register(func(cfg *config.Config, deps Deps) (core.Plugin, bool) {
		opts := herohealth.Options{
			Logger:          deps.Logger,
			Blob:            deps.Blob,
			RefreshInterval: deps.RefreshInterval,
		}
		// Only assign non-nil pointers so the interfaces stay nil when disabled.
		if deps.Publisher != nil {
			opts.Publisher = deps.Publisher
		}
		if deps.History != nil {
			opts.History = deps.History
		}
		plugin, ok := herohealth.NewPlugin(cfg.HeroHealth, opts)
		if !ok {
			return nil, false
		}
		return plugin, true
	})
}
