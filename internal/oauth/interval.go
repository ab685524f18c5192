package oauth

import (
	"time"

	"github.com/joshp123/gohome-herohealth/internal/config"
)

const DefaultRefreshInterval = config.DefaultOAuthRefresh

// RefreshInterval returns the background refresh period, or 0 when disabled.
func RefreshInterval(cfg config.OAuthConfig) time.Duration {
	if cfg.RefreshEnabled != nil && !*cfg.RefreshEnabled {
		return 0
	}
	if cfg.RefreshInterval > 0 {
		return cfg.RefreshInterval
	}
	return DefaultRefreshInterval
}
