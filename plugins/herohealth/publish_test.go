package herohealth

import (
	"context"
	"strings"
	"testing"

	"github.com/joshp123/gohome-herohealth/internal/history"
	"github.com/joshp123/gohome-herohealth/internal/mqtt"
	"github.com/prometheus/client_golang/prometheus"
)

type capturePublisher struct {
	node     string
	device   mqtt.Device
	entities []mqtt.Entity
	removed  map[string][]mqtt.Entity
}

func (c *capturePublisher) Publish(_ context.Context, node string, device mqtt.Device, entities []mqtt.Entity) error {
	c.node = node
	c.device = device
	c.entities = entities
	return nil
}

func (c *capturePublisher) Remove(_ context.Context, node string, extra []mqtt.Entity) error {
	if c.removed == nil {
		c.removed = make(map[string][]mqtt.Entity)
	}
	c.removed[node] = extra
	return nil
}

type captureRecorder struct {
	events []history.Event
}

func (c *captureRecorder) Record(_ context.Context, events []history.Event) error {
	c.events = append(c.events, events...)
	return nil
}

func TestMQTTSinkMapsEntities(t *testing.T) {
	snap := fixtureSnapshot(t)
	snap.AccountID = "42"
	pub := &capturePublisher{}

	err := NewMQTTSink(pub).Consume(context.Background(), Update{
		AccountID: "42",
		Snapshot:  snap,
		Entities:  BuildEntities(snap, testNow, testLocation),
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if pub.node != "herohealth_42" {
		t.Fatalf("unexpected node %q", pub.node)
	}
	if pub.device.Model != "Hero 2" || pub.device.SWVersion != "4.1.0" || pub.device.Manufacturer != "Hero Health" {
		t.Fatalf("unexpected device: %+v", pub.device)
	}
	if len(pub.entities) != 9 {
		t.Fatalf("expected 9 entities, got %d", len(pub.entities))
	}

	var online int
	for _, e := range pub.entities {
		if !strings.HasPrefix(e.UniqueID, "herohealth_42_") {
			t.Fatalf("unique id should be scoped to the node: %+v", e)
		}
		if e.ObjectID == "hero_health_dispenser_device_online" {
			online++
			if e.Component != "binary_sensor" || e.State != "ON" {
				t.Fatalf("unexpected device_online: %+v", e)
			}
		}
	}
	if online != 1 {
		t.Fatalf("expected one device_online entity, got %d", online)
	}
}

func TestMQTTSinkMovesEntitiesWhenAccountChanges(t *testing.T) {
	snap := fixtureSnapshot(t)
	entities := BuildEntities(snap, testNow, testLocation)
	pub := &capturePublisher{}
	sink := NewMQTTSink(pub)
	ctx := context.Background()

	if err := sink.Consume(ctx, Update{Snapshot: snap, Entities: entities}); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if pub.node != "herohealth_default" || len(pub.removed) != 0 {
		t.Fatalf("unexpected first publish: node=%s removed=%v", pub.node, pub.removed)
	}

	if err := sink.Consume(ctx, Update{AccountID: "42", Snapshot: snap, Entities: entities}); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if pub.node != "herohealth_42" {
		t.Fatalf("unexpected node %q", pub.node)
	}
	stale, ok := pub.removed["herohealth_default"]
	if !ok || len(stale) != len(entities) {
		t.Fatalf("expected the default node to be cleared, got %v", pub.removed)
	}

	pub.removed = nil
	if err := sink.Consume(ctx, Update{AccountID: "42", Snapshot: snap, Entities: entities}); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(pub.removed) != 0 {
		t.Fatalf("same node should not trigger removal: %v", pub.removed)
	}
}

func TestMQTTSinkClearsPlaceholderNodeOnStart(t *testing.T) {
	snap := fixtureSnapshot(t)
	pub := &capturePublisher{}
	err := NewMQTTSink(pub).Consume(context.Background(), Update{
		AccountID: "42",
		Snapshot:  snap,
		Entities:  BuildEntities(snap, testNow, testLocation),
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if _, ok := pub.removed["herohealth_default"]; !ok {
		t.Fatalf("expected a retained placeholder node to be cleared")
	}
}

func TestMQTTSlotIdentitySurvivesRename(t *testing.T) {
	snap := fixtureSnapshot(t)
	named := findEntity(t, BuildEntities(snap, testNow, testLocation), "pill_remaining_days_2")

	snap.Schedules = nil
	fallback := findEntity(t, BuildEntities(snap, testNow, testLocation), "pill_remaining_days_2")
	if named.ObjectID == fallback.ObjectID {
		t.Fatalf("expected the suggested entity id to follow the pill name")
	}

	a := toMQTT("herohealth_42", []Entity{named})[0]
	b := toMQTT("herohealth_42", []Entity{fallback})[0]
	if a.UniqueID != b.UniqueID || a.ObjectID != b.ObjectID {
		t.Fatalf("slot identity changed with its name: %s/%s -> %s/%s", a.ObjectID, a.UniqueID, b.ObjectID, b.UniqueID)
	}
	if a.UniqueID != "herohealth_42_pill_remaining_days_2" || a.ObjectID != "hero_health_dispenser_pill_remaining_days_2" {
		t.Fatalf("unexpected identity: %+v", a)
	}
	if a.EntityID != "hero_health_dispenser_vitamin_d_remaining_days" || b.EntityID != "hero_health_dispenser_slot_2_remaining_days" {
		t.Fatalf("unexpected suggested entity ids: %s, %s", a.EntityID, b.EntityID)
	}
}

func TestMQTTDeviceDefaultsModel(t *testing.T) {
	device := mqttDevice(mqttNode(""), Snapshot{})
	if device.Model != "Hero" || device.Identifiers[0] != "herohealth_default" {
		t.Fatalf("unexpected device: %+v", device)
	}
}

func TestHistorySinkRecordsSettledDoses(t *testing.T) {
	snap := fixtureSnapshot(t)
	rec := &captureRecorder{}

	err := NewHistorySink(rec, testLocation).Consume(context.Background(), Update{AccountID: "42", Snapshot: snap})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	var doses, events int
	for _, e := range rec.events {
		switch e.Kind {
		case "dose":
			doses++
			if e.Status != "taken" && e.Status != "missed" {
				t.Fatalf("pending dose recorded: %+v", e)
			}
		case "event":
			events++
		}
		if e.Account != "42" {
			t.Fatalf("unexpected account: %+v", e)
		}
	}
	if doses != 2 || events != 2 {
		t.Fatalf("expected 2 doses and 2 events, got %d and %d", doses, events)
	}
	if rec.events[0].EventTime.Hour() != 7 {
		t.Fatalf("naive dose time should be read in the configured zone: %v", rec.events[0].EventTime)
	}
}

func TestHistorySinkSkipsFailedPolls(t *testing.T) {
	snap := fixtureSnapshot(t)
	snap.Reauth = true
	rec := &captureRecorder{}

	if err := NewHistorySink(rec, testLocation).Consume(context.Background(), Update{Snapshot: snap}); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(rec.events) != 0 {
		t.Fatalf("expected nothing recorded, got %d", len(rec.events))
	}
}

func TestMetricsCollector(t *testing.T) {
	_, server := newFakeAPI(t)
	c := newTestCoordinator(t, server.URL, &fakeTokens{token: "tok"})
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewMetricsCollector(c)); err != nil {
		t.Fatalf("register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	values := make(map[string]float64)
	counts := make(map[string]int)
	for _, mf := range families {
		counts[mf.GetName()] = len(mf.GetMetric())
		m := mf.GetMetric()[0]
		switch {
		case m.GetGauge() != nil:
			values[mf.GetName()] = m.GetGauge().GetValue()
		case m.GetCounter() != nil:
			values[mf.GetName()] = m.GetCounter().GetValue()
		}
	}

	expect := map[string]float64{
		"gohome_herohealth_poll_success":         1,
		"gohome_herohealth_device_online":        1,
		"gohome_herohealth_doses_taken_today":    1,
		"gohome_herohealth_doses_missed_today":   1,
		"gohome_herohealth_doses_total_today":    3,
		"gohome_herohealth_adherence_percent":    87.7,
		"gohome_herohealth_reauth_required":      0,
		"gohome_herohealth_reauth_prompts_total": 0,
	}
	for name, want := range expect {
		if got, ok := values[name]; !ok || got != want {
			t.Fatalf("%s = %v (present=%v), want %v", name, got, ok, want)
		}
	}
	if counts["gohome_herohealth_source_ok"] != len(primarySources) {
		t.Fatalf("expected one source_ok series per source, got %d", counts["gohome_herohealth_source_ok"])
	}
	if counts["gohome_herohealth_slot_remaining_days"] != 2 {
		t.Fatalf("expected remaining days for 2 slots, got %d", counts["gohome_herohealth_slot_remaining_days"])
	}
}
