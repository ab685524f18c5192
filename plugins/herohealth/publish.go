package herohealth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/joshp123/gohome-herohealth/internal/history"
	"github.com/joshp123/gohome-herohealth/internal/mqtt"
)

const (
	deviceName         = "Hero Health Dispenser"
	deviceManufacturer = "Hero Health"
	defaultModel       = "Hero"
)

// EntityPublisher is implemented by *mqtt.Publisher.
type EntityPublisher interface {
	Publish(ctx context.Context, node string, device mqtt.Device, entities []mqtt.Entity) error
	Remove(ctx context.Context, node string, extra []mqtt.Entity) error
}

// MQTTSink publishes entity states through Home Assistant MQTT discovery.
// The node follows the account, so a login that changes the account moves
// every entity to the new node.
type MQTTSink struct {
	pub EntityPublisher

	mu   sync.Mutex
	node string
}

func NewMQTTSink(pub EntityPublisher) *MQTTSink {
	return &MQTTSink{pub: pub}
}

func (s *MQTTSink) Consume(ctx context.Context, update Update) error {
	node := mqttNode(update.AccountID)
	entities := toMQTT(node, update.Entities)

	s.mu.Lock()
	prev := s.node
	s.node = node
	s.mu.Unlock()

	var stale string
	switch {
	case prev != "" && prev != node:
		stale = prev
	case prev == "" && node != mqttNode(""):
		// A run without credentials may have left the placeholder node
		// retained on the broker.
		stale = mqttNode("")
	}
	var removeErr error
	if stale != "" {
		removeErr = s.pub.Remove(ctx, stale, toMQTT(stale, update.Entities))
	}
	return errors.Join(removeErr, s.pub.Publish(ctx, node, mqttDevice(node, update.Snapshot), entities))
}

func mqttNode(accountID string) string {
	if accountID == "" {
		accountID = "default"
	}
	return mqtt.NodeID(PluginID, accountID)
}

func mqttDevice(node string, snap Snapshot) mqtt.Device {
	model := snap.Device.Model
	if model == "" {
		model = defaultModel
	}
	return mqtt.Device{
		Identifiers:  []string{node},
		Name:         deviceName,
		Manufacturer: deviceManufacturer,
		Model:        model,
		SWVersion:    snap.Device.FirmwareVersion,
	}
}

// toMQTT keys topics and unique ids on the entity key, which survives pill
// renames. The name-based object id is only suggested as the entity id.
func toMQTT(node string, entities []Entity) []mqtt.Entity {
	out := make([]mqtt.Entity, 0, len(entities))
	for _, e := range entities {
		out = append(out, mqtt.Entity{
			Component:      e.Component,
			ObjectID:       objectPrefix + e.Key,
			EntityID:       e.ObjectID,
			UniqueID:       node + "_" + e.Key,
			Name:           e.Name,
			DeviceClass:    e.DeviceClass,
			StateClass:     e.StateClass,
			Unit:           e.Unit,
			Icon:           e.Icon,
			EntityCategory: e.EntityCategory,
			Available:      e.Available,
			State:          e.State(),
			Attributes:     e.Attributes,
		})
	}
	return out
}

// Recorder is implemented by *history.ClickHouseSink.
type Recorder interface {
	Record(ctx context.Context, events []history.Event) error
}

// HistorySink appends settled doses and device events to the history store.
// Times without a zone are read in loc.
type HistorySink struct {
	rec Recorder
	loc *time.Location
}

func NewHistorySink(rec Recorder, loc *time.Location) *HistorySink {
	if loc == nil {
		loc = time.Local
	}
	return &HistorySink{rec: rec, loc: loc}
}

func (s *HistorySink) Consume(ctx context.Context, update Update) error {
	events := historyEvents(update, s.loc)
	if len(events) == 0 {
		return nil
	}
	return s.rec.Record(ctx, events)
}

func historyEvents(update Update, loc *time.Location) []history.Event {
	snap := update.Snapshot
	if snap.Reauth || !snap.Reachable {
		return nil
	}
	account := update.AccountID
	if account == "" {
		account = "default"
	}

	var out []history.Event
	if snap.has(SourceDoses) {
		for _, dose := range snap.Doses {
			switch dose.Status {
			case "taken", "missed", "skipped":
			default:
				continue
			}
			at, ok := parseTime(dose.Time, loc)
			if !ok {
				continue
			}
			out = append(out, history.Event{
				Account:   account,
				Kind:      "dose",
				EventTime: at.UTC(),
				Status:    dose.Status,
				Pills:     strings.Join(dose.Pills, ", "),
			})
		}
	}
	if snap.has(SourceEvents) {
		for _, event := range snap.Events {
			at, ok := parseTime(event.Time, loc)
			if !ok {
				continue
			}
			out = append(out, history.Event{
				Account:   account,
				Kind:      "event",
				EventTime: at.UTC(),
				Status:    event.Type,
				Pills:     strings.Join(event.Pills, ", "),
			})
		}
	}
	return out
}
