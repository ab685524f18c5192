package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/joshp123/gohome-herohealth/internal/core"
	"github.com/joshp123/gohome-herohealth/internal/oauth"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

type fakePlugin struct {
	id      string
	health  core.HealthStatus
	message string
	gauge   prometheus.Gauge
	routed  bool
}

func (f *fakePlugin) ID() string { return f.id }

func (f *fakePlugin) Manifest() core.Manifest {
	return core.Manifest{PluginID: f.id, DisplayName: "Fake", Version: "0.0.1"}
}

func (f *fakePlugin) AgentsMD() string { return "" }

func (f *fakePlugin) OAuthDeclaration() oauth.Declaration { return oauth.Declaration{} }

func (f *fakePlugin) Dashboards() []core.Dashboard {
	return []core.Dashboard{{Name: "overview", JSON: []byte(`{"title":"fake"}`)}}
}

func (f *fakePlugin) RegisterGRPC(*grpc.Server) {}

func (f *fakePlugin) Collectors() []prometheus.Collector {
	return []prometheus.Collector{f.gauge}
}

func (f *fakePlugin) Health() core.HealthStatus { return f.health }

func (f *fakePlugin) HealthMessage() string { return f.message }

func (f *fakePlugin) RegisterHTTP(router *httprouter.Router) {
	router.GET("/api/fake/ping", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		f.routed = true
		w.WriteHeader(http.StatusNoContent)
	})
}

func newFakePlugin(health core.HealthStatus) *fakePlugin {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "gohome_fake_up", Help: "Fake gauge."})
	gauge.Set(1)
	return &fakePlugin{id: "fake", health: health, message: "waiting", gauge: gauge}
}

func serve(t *testing.T, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthAggregatesPlugins(t *testing.T) {
	plugins := []core.Plugin{newFakePlugin(core.HealthDegraded)}
	router := NewRouter(plugins, core.MetricsRegistry(plugins))

	rec := serve(t, router, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var body struct {
		Status  string              `json:"status"`
		Plugins []map[string]string `json:"plugins"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "DEGRADED" || len(body.Plugins) != 1 || body.Plugins[0]["message"] != "waiting" {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestHealthErrorWins(t *testing.T) {
	plugins := []core.Plugin{newFakePlugin(core.HealthDegraded), &fakePlugin{id: "other", health: core.HealthError, gauge: prometheus.NewGauge(prometheus.GaugeOpts{Name: "gohome_other_up", Help: "x"})}}
	rec := serve(t, healthOnly(plugins), http.MethodGet, "/health")
	if !strings.Contains(rec.Body.String(), `"status":"ERROR"`) {
		t.Fatalf("expected ERROR overall, got %s", rec.Body.String())
	}
}

func TestDashboardsAndMetrics(t *testing.T) {
	p := newFakePlugin(core.HealthHealthy)
	plugins := []core.Plugin{p}
	router := NewRouter(plugins, core.MetricsRegistry(plugins))

	rec := serve(t, router, http.MethodGet, core.DashboardPath("fake", "overview"))
	if rec.Code != http.StatusOK || rec.Body.String() != `{"title":"fake"}` {
		t.Fatalf("unexpected dashboard response %d %q", rec.Code, rec.Body.String())
	}
	if rec := serve(t, router, http.MethodGet, "/dashboards/fake/missing.json"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = serve(t, router, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "gohome_fake_up 1") {
		t.Fatalf("metrics missing plugin gauge: %s", rec.Body.String())
	}

	if rec := serve(t, router, http.MethodGet, "/api/fake/ping"); rec.Code != http.StatusNoContent || !p.routed {
		t.Fatalf("plugin route not registered: %d", rec.Code)
	}
}

func healthOnly(plugins []core.Plugin) http.Handler {
	router := httprouter.New()
	router.GET("/health", HealthHandler(plugins))
	return router
}
