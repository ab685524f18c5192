package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	SchemaVersion           = 1
	DefaultPath             = "/etc/gohome/config.yaml"
	DefaultGRPCAddr         = "0.0.0.0:9000"
	DefaultHTTPAddr         = "0.0.0.0:8080"
	DefaultDashboardDir     = "/var/lib/gohome/dashboards"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultOAuthPrefix      = "gohome/oauth"
	DefaultOAuthRefresh     = 10 * time.Minute
	DefaultDiscoveryPrefix  = "homeassistant"
	DefaultTopicPrefix      = "gohome"
	DefaultMQTTClientID     = "gohome"
	DefaultHistoryDatabase  = "gohome"
	DefaultHistoryTable     = "herohealth_dose_events"
	DefaultHeroScanInterval = 5 * time.Minute
	MinHeroScanInterval     = time.Minute
)

// Config is the root of the YAML config file.
type Config struct {
	SchemaVersion int               `mapstructure:"schema_version"`
	Core          CoreConfig        `mapstructure:"core"`
	OAuth         OAuthConfig       `mapstructure:"oauth"`
	MQTT          *MQTTConfig       `mapstructure:"mqtt"`
	History       *HistoryConfig    `mapstructure:"history"`
	HeroHealth    *HeroHealthConfig `mapstructure:"herohealth"`
}

type CoreConfig struct {
	GRPCAddr     string `mapstructure:"grpc_addr"`
	HTTPAddr     string `mapstructure:"http_addr"`
	DashboardDir string `mapstructure:"dashboard_dir"`
	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"`
}

// OAuthConfig configures the optional object-storage mirror of OAuth state
// and the background refresh loop.
type OAuthConfig struct {
	BlobEndpoint      string        `mapstructure:"blob_endpoint"`
	BlobBucket        string        `mapstructure:"blob_bucket"`
	BlobPrefix        string        `mapstructure:"blob_prefix"`
	BlobAccessKeyFile string        `mapstructure:"blob_access_key_file"`
	BlobSecretKeyFile string        `mapstructure:"blob_secret_key_file"`
	BlobRegion        string        `mapstructure:"blob_region"`
	RefreshEnabled    *bool         `mapstructure:"refresh_enabled"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
}

// BlobEnabled reports whether a blob mirror is configured.
func (o OAuthConfig) BlobEnabled() bool {
	return strings.TrimSpace(o.BlobEndpoint) != ""
}

type MQTTConfig struct {
	Broker          string `mapstructure:"broker"`
	Username        string `mapstructure:"username"`
	PasswordFile    string `mapstructure:"password_file"`
	ClientID        string `mapstructure:"client_id"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
	TopicPrefix     string `mapstructure:"topic_prefix"`
	QoS             byte   `mapstructure:"qos"`
	Retain          *bool  `mapstructure:"retain"`
}

type HistoryConfig struct {
	ClickHouseAddrs []string `mapstructure:"clickhouse_addrs"`
	Database        string   `mapstructure:"database"`
	Username        string   `mapstructure:"username"`
	PasswordFile    string   `mapstructure:"password_file"`
	Table           string   `mapstructure:"table"`
}

type HeroHealthConfig struct {
	StateFile         string        `mapstructure:"state_file"`
	BaseURL           string        `mapstructure:"base_url"`
	ScanInterval      time.Duration `mapstructure:"scan_interval"`
	Timezone          string        `mapstructure:"timezone"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	RequestsPerDay    int           `mapstructure:"requests_per_day"`
}

// Load reads the YAML config file, applies defaults, and validates.
// Environment variables prefixed with GOHOME_ override file values
// (for example GOHOME_CORE_GRPC_ADDR).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("gohome")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("core.grpc_addr", DefaultGRPCAddr)
	v.SetDefault("core.http_addr", DefaultHTTPAddr)
	v.SetDefault("core.dashboard_dir", DefaultDashboardDir)
	v.SetDefault("core.log_level", DefaultLogLevel)
	v.SetDefault("core.log_format", DefaultLogFormat)
	v.SetDefault("oauth.blob_prefix", DefaultOAuthPrefix)
	v.SetDefault("oauth.refresh_interval", DefaultOAuthRefresh)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Optional sections get their defaults here rather than through viper so an
// absent section stays nil.
func applyDefaults(cfg *Config) {
	if cfg.OAuth.RefreshEnabled == nil {
		enabled := true
		cfg.OAuth.RefreshEnabled = &enabled
	}

	if cfg.MQTT != nil {
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = DefaultMQTTClientID
		}
		if cfg.MQTT.DiscoveryPrefix == "" {
			cfg.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
		}
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = DefaultTopicPrefix
		}
		if cfg.MQTT.Retain == nil {
			retain := true
			cfg.MQTT.Retain = &retain
		}
	}

	if cfg.History != nil {
		if cfg.History.Database == "" {
			cfg.History.Database = DefaultHistoryDatabase
		}
		if cfg.History.Table == "" {
			cfg.History.Table = DefaultHistoryTable
		}
	}

	if cfg.HeroHealth != nil && cfg.HeroHealth.ScanInterval == 0 {
		cfg.HeroHealth.ScanInterval = DefaultHeroScanInterval
	}
}

// Validate enforces required invariants beyond field typing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version must be %d", SchemaVersion)
	}

	if cfg.Core.GRPCAddr == "" {
		return fmt.Errorf("core.grpc_addr is required")
	}
	if cfg.Core.HTTPAddr == "" {
		return fmt.Errorf("core.http_addr is required")
	}
	if cfg.Core.DashboardDir == "" {
		return fmt.Errorf("core.dashboard_dir is required")
	}
	switch cfg.Core.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("core.log_format must be json or console")
	}

	if cfg.OAuth.BlobEnabled() {
		if cfg.OAuth.BlobBucket == "" {
			return fmt.Errorf("oauth.blob_bucket is required")
		}
		if cfg.OAuth.BlobAccessKeyFile == "" {
			return fmt.Errorf("oauth.blob_access_key_file is required")
		}
		if cfg.OAuth.BlobSecretKeyFile == "" {
			return fmt.Errorf("oauth.blob_secret_key_file is required")
		}
	}

	if cfg.MQTT != nil {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	if cfg.History != nil && len(cfg.History.ClickHouseAddrs) == 0 {
		return fmt.Errorf("history.clickhouse_addrs is required")
	}

	if hero := cfg.HeroHealth; hero != nil {
		if hero.StateFile == "" {
			return fmt.Errorf("herohealth.state_file is required")
		}
		if !filepath.IsAbs(hero.StateFile) {
			return fmt.Errorf("herohealth.state_file must be absolute")
		}
		if hero.ScanInterval < MinHeroScanInterval {
			return fmt.Errorf("herohealth.scan_interval must be at least %s", MinHeroScanInterval)
		}
		if hero.Timezone != "" {
			if _, err := time.LoadLocation(hero.Timezone); err != nil {
				return fmt.Errorf("herohealth.timezone: %w", err)
			}
		}
		if hero.RequestsPerMinute < 0 || hero.RequestsPerDay < 0 {
			return fmt.Errorf("herohealth request limits must not be negative")
		}
	}

	return nil
}

// EnabledPlugins maps enabled plugin IDs based on config presence.
func EnabledPlugins(cfg *Config) map[string]bool {
	enabled := make(map[string]bool)
	if cfg == nil {
		return enabled
	}
	if cfg.HeroHealth != nil {
		enabled["herohealth"] = true
	}
	return enabled
}

// StatePathForProvider resolves the OAuth state file path from config.
func StatePathForProvider(cfg *Config, provider string) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("config is required")
	}
	switch provider {
	case "herohealth":
		if cfg.HeroHealth == nil || cfg.HeroHealth.StateFile == "" {
			return "", fmt.Errorf("herohealth state_file is required")
		}
		return cfg.HeroHealth.StateFile, nil
	default:
		return "", fmt.Errorf("unknown provider %q", provider)
	}
}

// ReadSecretFile reads a single-line secret such as a key or password file.
func ReadSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
