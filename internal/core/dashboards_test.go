package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteDashboards(t *testing.T) {
	dir := t.TempDir()
	plugin := newStubPlugin("demo")
	plugin.dashboards = []Dashboard{{Name: "overview", JSON: []byte(`{"title":"demo"}`)}}

	if err := WriteDashboards(dir, []Plugin{plugin}); err != nil {
		t.Fatalf("WriteDashboards: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "demo", "overview.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"title":"demo"}` {
		t.Fatalf("unexpected content %q", data)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "demo"))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}

	if err := WriteDashboards("", []Plugin{plugin}); err != nil {
		t.Fatalf("empty dir should be a no-op: %v", err)
	}
}

func TestOverallHealth(t *testing.T) {
	healthy := newStubPlugin("a")
	degraded := newStubPlugin("b")
	degraded.health = HealthDegraded
	broken := newStubPlugin("c")
	broken.health = HealthError

	if got := OverallHealth(nil); got != HealthHealthy {
		t.Fatalf("empty set should be healthy, got %s", got)
	}
	if got := OverallHealth([]Plugin{healthy, degraded}); got != HealthDegraded {
		t.Fatalf("expected DEGRADED, got %s", got)
	}
	if got := OverallHealth([]Plugin{broken, degraded, healthy}); got != HealthError {
		t.Fatalf("expected ERROR, got %s", got)
	}
}
