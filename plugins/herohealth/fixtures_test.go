package herohealth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

var testLocation = time.FixedZone("CET", 3600)

// testNow is 10:00 local on the day the fixtures describe.
var testNow = time.Date(2026, 3, 10, 10, 0, 0, 0, testLocation)

const (
	pathDoses     = "/frontend/home-screen-doses/"
	pathEvents    = "/frontend/get-home-screen-events/"
	pathSchedules = "/frontend/pills-by-schedules/"
	pathPillStats = "/frontend/pill-stats/"
	pathStats     = "/frontend/stats/"
	pathOffline   = "/frontend/check-hero-offline/"
	pathDevice    = "/frontend/device-config-get/"
	pathSlots     = "/frontend/get-taken-slots/"
	pathRemaining = "/frontend/pill-remaining-days/"
)

func fixtureBodies() map[string]string {
	return map[string]string{
		pathDoses: `{"results":[
			{"scheduled_time":"2026-03-10T08:00:00","status":"TAKEN","pills":[{"name":"Aspirin"}]},
			{"scheduled_time":"2026-03-10T12:00:00","status":"missed","pills":[]},
			{"scheduled_time":"2026-03-10T20:00:00","status":"pending","pills":[{"name":"Aspirin"},{"name":"Vitamin D"}]},
			{"scheduled_time":"2026-03-11T08:00:00","status":"pending","pills":[{"name":"Aspirin"}]}
		]}`,
		pathEvents: `[
			{"timestamp":"2026-03-09T20:00:00+01:00","event_type":"refill"},
			{"timestamp":"2026-03-10T08:01:00+01:00","event_type":"dispensed","details":"Slot 1","pills":[{"name":"Aspirin"}]}
		]`,
		pathSchedules: `[{"pills":[{"name":"Aspirin","slot_index":1},{"name":"Vitamin D","slot_index":2}]}]`,
		pathPillStats: `{"total":3}`,
		pathStats:     `{"adherence_percentage":87.66,"taken_count":7,"missed_count":1,"total_count":8,"period":"week"}`,
		pathOffline:   `{"is_offline":false}`,
		pathDevice:    `{"model":"Hero 2","firmware_version":"4.1.0","device_id":"HX-1","timezone_offset":60,"travel_mode":false}`,
		pathSlots: `{"slots":[
			{"slot_index":1,"pill_name":"Aspirin","pills_remaining":30},
			{"slot_index":2,"pills_remaining":12},
			{"slot_index":3,"pill_name":""}
		]}`,
		pathRemaining + "?slot_index=1": `{"remaining_days":15,"pills_per_day":2}`,
		pathRemaining + "?slot_index=2": `{"remaining_days":6.5,"pills_remaining":13}`,
		pathRemaining + "?slot_index=3": `{"remaining_days":-1}`,
	}
}

type cannedResponse struct {
	status int
	body   string
}

// fakeAPI serves canned bodies keyed by path (plus slot_index for the
// remaining-days endpoint). Tokens listed in rejected get a 401.
type fakeAPI struct {
	t *testing.T

	mu        sync.Mutex
	responses map[string]cannedResponse
	rejected  map[string]bool
	hits      map[string]int
	accounts  []string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{
		t:         t,
		responses: make(map[string]cannedResponse),
		rejected:  make(map[string]bool),
		hits:      make(map[string]int),
	}
	for path, body := range fixtureBodies() {
		api.responses[path] = cannedResponse{status: http.StatusOK, body: body}
	}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	return api, server
}

func (a *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path
	if slot := r.URL.Query().Get("slot_index"); slot != "" {
		key += "?slot_index=" + slot
	}
	token := r.Header.Get("Authorization")

	a.mu.Lock()
	a.hits[key]++
	a.accounts = append(a.accounts, r.Header.Get("X-Hero-Account"))
	resp, ok := a.responses[key]
	rejected := a.rejected[token]
	a.mu.Unlock()

	if r.Header.Get("X-Hero-Client") == "" {
		a.t.Errorf("missing X-Hero-Client header on %s", key)
	}
	if rejected {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_, _ = io.WriteString(w, resp.body)
}

func (a *fakeAPI) set(path string, status int, body string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses[path] = cannedResponse{status: status, body: body}
}

// failAll makes every primary endpoint return status.
func (a *fakeAPI) failAll(status int) {
	for _, path := range []string{pathDoses, pathEvents, pathSchedules, pathPillStats, pathStats, pathOffline, pathDevice, pathSlots} {
		a.set(path, status, `{"detail":"down"}`)
	}
}

func (a *fakeAPI) reject(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected["Bearer "+token] = true
}

func (a *fakeAPI) hitCount(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hits[key]
}

// fakeTokens stands in for the OAuth manager.
type fakeTokens struct {
	mu        sync.Mutex
	token     string
	refreshed string
	err       error
	refreshes int
	reloads   int
	subject   string
}

func (f *fakeTokens) AccessToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func (f *fakeTokens) ForceRefresh(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.err != nil {
		return "", f.err
	}
	if f.refreshed != "" {
		f.token = f.refreshed
	}
	return f.token, nil
}

func (f *fakeTokens) Reload() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return false, nil
}

func (f *fakeTokens) Subject() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subject
}

func (f *fakeTokens) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type recordingSink struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recordingSink) Consume(_ context.Context, update Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func newTestCoordinator(t *testing.T, baseURL string, tokens *fakeTokens, sinks ...Sink) *Coordinator {
	t.Helper()
	cfg := Config{BaseURL: baseURL, ScanInterval: time.Minute, Location: testLocation}
	client := NewClient(cfg, tokens, nil)
	c := NewCoordinator(cfg, client, tokens, sinks, nil)
	c.now = func() time.Time { return testNow }
	return c
}

func findEntity(t *testing.T, entities []Entity, key string) Entity {
	t.Helper()
	for _, e := range entities {
		if e.Key == key {
			return e
		}
	}
	t.Fatalf("entity %q not found", key)
	return Entity{}
}
