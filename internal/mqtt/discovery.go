// Package mqtt publishes entities to Home Assistant using MQTT discovery.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
	// StateUnknown is rendered by Home Assistant as "unknown".
	StateUnknown = "None"
)

// Device groups entities under one Home Assistant device.
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// Entity is one sensor or binary_sensor as Home Assistant should see it.
type Entity struct {
	Component      string
	// ObjectID names the entity's topics and must stay stable. EntityID
	// suggests the Home Assistant entity id and defaults to ObjectID.
	ObjectID       string
	EntityID       string
	UniqueID       string
	Name           string
	DeviceClass    string
	StateClass     string
	Unit           string
	Icon           string
	EntityCategory string

	Available  bool
	State      string
	Attributes map[string]any
}

func (e Entity) defaultEntityID() string {
	if e.EntityID != "" {
		return e.Component + "." + e.EntityID
	}
	return e.Component + "." + e.ObjectID
}

// Key identifies an entity within a node.
func (e Entity) Key() string {
	return e.Component + "/" + e.ObjectID
}

type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Topics holds the prefixes messages are published under.
type Topics struct {
	Discovery string
	Prefix    string
	Node      string
}

func (t Topics) config(e Entity) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", t.Discovery, e.Component, t.Node, e.ObjectID)
}

func (t Topics) entity(e Entity, leaf string) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.Prefix, t.Node, e.ObjectID, leaf)
}

// Bridge is the availability topic of the gohome process itself.
func (t Topics) Bridge() string {
	return t.Prefix + "/status"
}

type availability struct {
	Topic string `json:"topic"`
}

type discoveryPayload struct {
	Name                string         `json:"name"`
	UniqueID            string         `json:"unique_id"`
	DefaultEntityID     string         `json:"default_entity_id"`
	StateTopic          string         `json:"state_topic"`
	JSONAttributesTopic string         `json:"json_attributes_topic"`
	Availability        []availability `json:"availability"`
	AvailabilityMode    string         `json:"availability_mode"`
	Device              Device         `json:"device"`
	DeviceClass         string         `json:"device_class,omitempty"`
	StateClass          string         `json:"state_class,omitempty"`
	Unit                string         `json:"unit_of_measurement,omitempty"`
	Icon                string         `json:"icon,omitempty"`
	EntityCategory      string         `json:"entity_category,omitempty"`
	PayloadOn           string         `json:"payload_on,omitempty"`
	PayloadOff          string         `json:"payload_off,omitempty"`
}

// BuildMessages renders the discovery config, availability, attributes and
// state messages for entities. Config messages are always retained.
func BuildMessages(t Topics, device Device, entities []Entity, retain bool) ([]Message, error) {
	out := make([]Message, 0, len(entities)*4)
	for _, e := range entities {
		payload := discoveryPayload{
			Name:                e.Name,
			UniqueID:            e.UniqueID,
			DefaultEntityID:     e.defaultEntityID(),
			StateTopic:          t.entity(e, "state"),
			JSONAttributesTopic: t.entity(e, "attributes"),
			Availability: []availability{
				{Topic: t.Bridge()},
				{Topic: t.entity(e, "availability")},
			},
			AvailabilityMode: "all",
			Device:           device,
			DeviceClass:      e.DeviceClass,
			StateClass:       e.StateClass,
			Unit:             e.Unit,
			Icon:             e.Icon,
			EntityCategory:   e.EntityCategory,
		}
		if e.Component == "binary_sensor" {
			payload.PayloadOn = "ON"
			payload.PayloadOff = "OFF"
		}
		config, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s config: %w", e.ObjectID, err)
		}

		attrs := e.Attributes
		if attrs == nil {
			attrs = map[string]any{}
		}
		attributes, err := json.Marshal(attrs)
		if err != nil {
			return nil, fmt.Errorf("encode %s attributes: %w", e.ObjectID, err)
		}

		avail := PayloadOffline
		if e.Available {
			avail = PayloadOnline
		}
		state := e.State
		if state == "" {
			state = StateUnknown
		}

		out = append(out,
			Message{Topic: t.config(e), Payload: config, Retained: true},
			Message{Topic: t.entity(e, "availability"), Payload: []byte(avail), Retained: retain},
			Message{Topic: t.entity(e, "attributes"), Payload: attributes, Retained: retain},
			Message{Topic: t.entity(e, "state"), Payload: []byte(state), Retained: retain},
		)
	}
	return out, nil
}

// RemovalMessage clears a retained discovery config so Home Assistant drops
// the entity.
func RemovalMessage(t Topics, e Entity) Message {
	return Message{Topic: t.config(e), Payload: []byte{}, Retained: true}
}

// NodeID turns an arbitrary identifier into a topic-safe node id.
func NodeID(parts ...string) string {
	joined := strings.ToLower(strings.Join(parts, "_"))
	var b strings.Builder
	for _, r := range joined {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
