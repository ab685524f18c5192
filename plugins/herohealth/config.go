package herohealth

import (
	"fmt"
	"strings"
	"time"

	"github.com/joshp123/gohome-herohealth/internal/config"
	"github.com/joshp123/gohome-herohealth/internal/oauth"
	"github.com/joshp123/gohome-herohealth/internal/rate"
)

const (
	PluginID = "herohealth"

	DefaultBaseURL = "https://cloud.herohealth.com"
	LoginURL       = "https://id.herohealth.com/login/"
	TokenURL       = "https://id.herohealth.com/o/token/"
	// ClientID is the public OAuth client of the Hero mobile app.
	ClientID    = "sGNw0O6padHYWwSWIon21jt1QqEYAkmZLYUps60L"
	RedirectURL = "heroapp://auth"

	clientHeader = "HeroWeb;desktop-Chrome;4.0.0"

	// TokenLifetime is assumed for access tokens; the token endpoint does not
	// always report expires_in.
	TokenLifetime = 3000 * time.Second

	// MaxSlots is the number of pill slots on a Hero dispenser.
	MaxSlots = 10
)

// pollCost is the most requests one poll makes: every primary source plus one
// remaining-days call per slot.
var pollCost = len(primarySources) + MaxSlots

// defaultRateLimits sizes the request budget for the scan interval. Both
// windows leave room for a second poll, which covers manual refreshes and a
// 401 retry per request.
func defaultRateLimits(scan time.Duration) (perMinute, perDay int) {
	pollsPerDay := int((24*time.Hour + scan - 1) / scan)
	return 2 * pollCost, 2 * pollCost * pollsPerDay
}

// Config defines runtime configuration for the Hero Health plugin.
type Config struct {
	BaseURL           string
	StatePath         string
	ScanInterval      time.Duration
	Location          *time.Location
	RequestsPerMinute int
	RequestsPerDay    int
}

func ConfigFromSection(section *config.HeroHealthConfig) (Config, error) {
	if section == nil {
		return Config{}, fmt.Errorf("herohealth config is required")
	}
	if section.StateFile == "" {
		return Config{}, fmt.Errorf("herohealth state_file is required")
	}

	cfg := Config{
		BaseURL:           strings.TrimRight(strings.TrimSpace(section.BaseURL), "/"),
		StatePath:         section.StateFile,
		ScanInterval:      section.ScanInterval,
		Location:          time.Local,
		RequestsPerMinute: section.RequestsPerMinute,
		RequestsPerDay:    section.RequestsPerDay,
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = config.DefaultHeroScanInterval
	}
	if section.Timezone != "" {
		loc, err := time.LoadLocation(section.Timezone)
		if err != nil {
			return Config{}, fmt.Errorf("herohealth timezone: %w", err)
		}
		cfg.Location = loc
	}
	perMinute, perDay := defaultRateLimits(cfg.ScanInterval)
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = perMinute
	}
	if cfg.RequestsPerDay == 0 {
		cfg.RequestsPerDay = perDay
	}
	return cfg, nil
}

// Declaration is the OAuth contract for Hero Health tokens stored at statePath.
func Declaration(statePath string) oauth.Declaration {
	return oauth.Declaration{
		Provider:      PluginID,
		Flow:          oauth.FlowPassword,
		ClientID:      ClientID,
		AuthorizeURL:  LoginURL,
		TokenURL:      TokenURL,
		RedirectURL:   RedirectURL,
		StatePath:     statePath,
		TokenLifetime: TokenLifetime,
	}
}

func (c Config) RateLimits() rate.Declaration {
	return rate.Provider(PluginID).
		MaxRequestsPer(rate.Minute, c.RequestsPerMinute).
		MaxRequestsPer(rate.Day, c.RequestsPerDay)
}
