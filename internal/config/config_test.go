package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
schema_version: 1
herohealth:
  state_file: /var/lib/gohome/herohealth.json
mqtt:
  broker: tcp://broker:1883
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Core.GRPCAddr != DefaultGRPCAddr || cfg.Core.HTTPAddr != DefaultHTTPAddr {
		t.Fatalf("unexpected core defaults: %+v", cfg.Core)
	}
	if cfg.OAuth.BlobPrefix != DefaultOAuthPrefix {
		t.Fatalf("unexpected blob prefix: %q", cfg.OAuth.BlobPrefix)
	}
	if cfg.OAuth.RefreshEnabled == nil || !*cfg.OAuth.RefreshEnabled {
		t.Fatalf("expected refresh enabled by default")
	}
	if cfg.HeroHealth == nil || cfg.HeroHealth.ScanInterval != 5*time.Minute {
		t.Fatalf("unexpected herohealth section: %+v", cfg.HeroHealth)
	}
	if cfg.MQTT.DiscoveryPrefix != "homeassistant" || cfg.MQTT.TopicPrefix != "gohome" {
		t.Fatalf("unexpected mqtt defaults: %+v", cfg.MQTT)
	}
	if cfg.MQTT.Retain == nil || !*cfg.MQTT.Retain {
		t.Fatalf("expected retain by default")
	}
	if cfg.History != nil {
		t.Fatalf("expected history section to stay nil")
	}
	if !EnabledPlugins(cfg)["herohealth"] {
		t.Fatalf("expected herohealth enabled")
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
schema_version: 1
oauth:
  refresh_interval: 90s
herohealth:
  state_file: /var/lib/gohome/herohealth.json
  scan_interval: 10m
  timezone: Europe/Amsterdam
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OAuth.RefreshInterval != 90*time.Second {
		t.Fatalf("unexpected refresh interval: %s", cfg.OAuth.RefreshInterval)
	}
	if cfg.HeroHealth.ScanInterval != 10*time.Minute {
		t.Fatalf("unexpected scan interval: %s", cfg.HeroHealth.ScanInterval)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "schema",
			body: "schema_version: 2\n",
			want: "schema_version",
		},
		{
			name: "relative state file",
			body: "schema_version: 1\nherohealth:\n  state_file: state.json\n",
			want: "absolute",
		},
		{
			name: "scan interval too short",
			body: "schema_version: 1\nherohealth:\n  state_file: /tmp/s.json\n  scan_interval: 10s\n",
			want: "scan_interval",
		},
		{
			name: "blob without bucket",
			body: "schema_version: 1\noauth:\n  blob_endpoint: https://s3.local\n",
			want: "blob_bucket",
		},
		{
			name: "history without addrs",
			body: "schema_version: 1\nhistory:\n  database: gohome\n",
			want: "clickhouse_addrs",
		},
		{
			name: "bad timezone",
			body: "schema_version: 1\nherohealth:\n  state_file: /tmp/s.json\n  timezone: Mars/Olympus\n",
			want: "timezone",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}

func TestStatePathForProvider(t *testing.T) {
	cfg := &Config{HeroHealth: &HeroHealthConfig{StateFile: "/var/lib/gohome/hh.json"}}
	path, err := StatePathForProvider(cfg, "herohealth")
	if err != nil || path != "/var/lib/gohome/hh.json" {
		t.Fatalf("unexpected path %q err %v", path, err)
	}
	if _, err := StatePathForProvider(cfg, "tado"); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}
