package herohealth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Dose is one scheduled dispensing slot from the home screen.
type Dose struct {
	Time      string
	Status    string
	Pills     []string
	PillCount int
}

// Event is a device activity entry such as a dispense or a refill.
type Event struct {
	Time    string
	Type    string
	Details string
	Pills   []string
}

// Stats is the overall adherence summary.
type Stats struct {
	Adherence *float64
	Taken     *float64
	Missed    *float64
	Total     *float64
	Period    any
}

type OfflineStatus struct {
	Online bool
}

type DeviceConfig struct {
	Model           string
	FirmwareVersion string
	DeviceID        string
	TimezoneOffset  any
	TravelMode      any
}

// Slot is an occupied medication compartment.
type Slot struct {
	Index          int
	Name           string
	PillsRemaining *float64
}

type ScheduledPill struct {
	Name      string
	SlotIndex *int
}

type RemainingDays struct {
	Days           *float64
	PillsRemaining *float64
	PillsPerDay    *float64
	MinDays        *float64
	MaxDays        *float64
}

type UserDetails struct {
	AccountID string
	Email     string
	Name      string
}

// object is a JSON object whose fields are decoded on demand. Lookups take
// several candidate keys because the API is not consistent across firmware
// and app versions; the first present non-null key wins.
type object map[string]json.RawMessage

func decodeObject(data []byte) (object, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("expected JSON object, got %s", describe(data))
	}
	var o object
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return o, nil
}

// decodeList accepts a bare array or an object wrapping the array under one
// of envelopes. Array items that are not objects are skipped.
func decodeList(data []byte, envelopes ...string) ([]object, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	switch data[0] {
	case '[':
		return objects(data)
	case '{':
		o, err := decodeObject(data)
		if err != nil {
			return nil, err
		}
		for _, key := range envelopes {
			raw, ok := o.raw(key)
			if !ok {
				continue
			}
			if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
				return objects(trimmed)
			}
		}
		return nil, fmt.Errorf("object without list field (tried %s)", strings.Join(envelopes, ", "))
	default:
		return nil, fmt.Errorf("expected JSON array or object, got %s", describe(data))
	}
}

func objects(data []byte) ([]object, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	out := make([]object, 0, len(items))
	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '{' {
			continue
		}
		var o object
		if err := json.Unmarshal(item, &o); err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func describe(data []byte) string {
	if len(data) == 0 {
		return "empty body"
	}
	switch data[0] {
	case '[':
		return "array"
	case '{':
		return "object"
	case '"':
		return "string"
	case 'n':
		return "null"
	case 't', 'f':
		return "bool"
	default:
		return "scalar"
	}
}

func (o object) raw(keys ...string) (json.RawMessage, bool) {
	for _, key := range keys {
		raw, ok := o[key]
		if !ok {
			continue
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			continue
		}
		return trimmed, true
	}
	return nil, false
}

// str returns the first non-empty string. Numbers are returned in their JSON
// text form so numeric ids work too.
func (o object) str(keys ...string) (string, bool) {
	for _, key := range keys {
		raw, ok := o.raw(key)
		if !ok {
			continue
		}
		switch raw[0] {
		case '"':
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
				return s, true
			}
		case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			return string(raw), true
		}
	}
	return "", false
}

// number accepts JSON numbers and numeric strings. Zero is a valid value.
func (o object) number(keys ...string) (*float64, bool) {
	for _, key := range keys {
		raw, ok := o.raw(key)
		if !ok {
			continue
		}
		var f float64
		if raw[0] == '"' {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				continue
			}
			parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				continue
			}
			f = parsed
		} else if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		return &f, true
	}
	return nil, false
}

func (o object) integer(keys ...string) (int, bool) {
	f, ok := o.number(keys...)
	if !ok || *f != math.Trunc(*f) {
		return 0, false
	}
	return int(*f), true
}

func (o object) boolean(keys ...string) (bool, bool) {
	for _, key := range keys {
		raw, ok := o.raw(key)
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t, true
		case float64:
			return t != 0, true
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
				return b, true
			}
		}
	}
	return false, false
}

// value returns a scalar for attributes. Nested values are kept as compact
// JSON text.
func (o object) value(keys ...string) any {
	raw, ok := o.raw(keys...)
	if !ok {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	switch v.(type) {
	case string, float64, bool:
		return v
	default:
		return string(raw)
	}
}

func (o object) list(key string) ([]object, int) {
	raw, ok := o.raw(key)
	if !ok || raw[0] != '[' {
		return nil, 0
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, 0
	}
	objs, _ := objects(raw)
	return objs, len(items)
}

func pillNames(items []object) []string {
	names := make([]string, 0, len(items))
	for _, item := range items {
		if name, ok := item.str("name", "drug_name", "pill_name"); ok {
			names = append(names, name)
		}
	}
	return names
}

func parseDoses(data []byte) ([]Dose, error) {
	items, err := decodeList(data, "results", "doses", "data")
	if err != nil {
		return nil, err
	}
	doses := make([]Dose, 0, len(items))
	for _, item := range items {
		status, _ := item.str("status")
		when, _ := item.str("scheduled_time", "time", "schedule_time")
		pills, count := item.list("pills")
		doses = append(doses, Dose{
			Time:      when,
			Status:    strings.ToLower(strings.TrimSpace(status)),
			Pills:     pillNames(pills),
			PillCount: count,
		})
	}
	return doses, nil
}

func parseEvents(data []byte) ([]Event, error) {
	items, err := decodeList(data, "results", "events", "data")
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(items))
	for _, item := range items {
		when, _ := item.str("timestamp", "time", "created_at", "event_time")
		kind, _ := item.str("event_type", "type", "action")
		details, _ := item.str("details", "description", "message")
		pills, _ := item.list("pills")
		events = append(events, Event{Time: when, Type: kind, Details: details, Pills: pillNames(pills)})
	}
	return events, nil
}

func parseScheduledPills(data []byte) ([]ScheduledPill, error) {
	items, err := decodeList(data, "results", "schedules", "pills", "data")
	if err != nil {
		return nil, err
	}
	var out []ScheduledPill
	add := func(item object) {
		name, ok := item.str("name", "drug_name", "pill_name")
		if !ok {
			return
		}
		pill := ScheduledPill{Name: name}
		if idx, ok := item.integer("slot_index", "slot"); ok {
			pill.SlotIndex = &idx
		}
		out = append(out, pill)
	}
	for _, item := range items {
		if nested, n := item.list("pills"); n > 0 {
			for _, pill := range nested {
				add(pill)
			}
			continue
		}
		add(item)
	}
	return out, nil
}

func parsePillStats(data []byte) (any, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || (data[0] != '{' && data[0] != '[') {
		return nil, fmt.Errorf("expected JSON object or array, got %s", describe(data))
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func parseStats(data []byte) (Stats, error) {
	o, err := decodeObject(data)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	s.Adherence, _ = o.number("adherence_percentage", "adherence", "adherence_rate", "percentage")
	s.Taken, _ = o.number("taken_count", "taken")
	s.Missed, _ = o.number("missed_count", "missed")
	s.Total, _ = o.number("total_count", "total")
	s.Period = o.value("period")
	return s, nil
}

func parseOffline(data []byte) (OfflineStatus, error) {
	o, err := decodeObject(data)
	if err != nil {
		return OfflineStatus{}, err
	}
	if offline, ok := o.boolean("is_offline"); ok {
		return OfflineStatus{Online: !offline}, nil
	}
	if online, ok := o.boolean("online"); ok {
		return OfflineStatus{Online: online}, nil
	}
	return OfflineStatus{Online: true}, nil
}

func parseDeviceConfig(data []byte) (DeviceConfig, error) {
	o, err := decodeObject(data)
	if err != nil {
		return DeviceConfig{}, err
	}
	var cfg DeviceConfig
	cfg.Model, _ = o.str("model")
	cfg.FirmwareVersion, _ = o.str("firmware_version")
	cfg.DeviceID, _ = o.str("device_id", "serial_number", "serial")
	cfg.TimezoneOffset = o.value("timezone_offset")
	cfg.TravelMode = o.value("travel_mode")
	return cfg, nil
}

func parseTakenSlots(data []byte) ([]Slot, error) {
	items, err := decodeList(data, "slots", "results")
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool, len(items))
	slots := make([]Slot, 0, len(items))
	for _, item := range items {
		idx, ok := item.integer("slot_index")
		if !ok || seen[idx] {
			continue
		}
		seen[idx] = true
		name, _ := item.str("pill_name", "name", "drug_name")
		remaining, _ := item.number("pills_remaining", "remaining", "pill_count")
		slots = append(slots, Slot{Index: idx, Name: name, PillsRemaining: remaining})
	}
	return slots, nil
}

func parseRemainingDays(data []byte) (RemainingDays, error) {
	o, err := decodeObject(data)
	if err != nil {
		return RemainingDays{}, err
	}
	var r RemainingDays
	r.Days, _ = o.number("remaining_days", "days_remaining", "days")
	r.PillsRemaining, _ = o.number("pills_remaining", "remaining")
	r.PillsPerDay, _ = o.number("pills_per_day", "daily_count")
	r.MinDays, _ = o.number("min_days", "min_remaining_days")
	r.MaxDays, _ = o.number("max_days", "max_remaining_days")
	return r, nil
}

func parseUserDetails(data []byte) (UserDetails, error) {
	o, err := decodeObject(data)
	if err != nil {
		return UserDetails{}, err
	}
	var u UserDetails
	u.AccountID, _ = o.str("account_id", "id", "user_id")
	u.Email, _ = o.str("email")
	u.Name, _ = o.str("name", "first_name")
	return u, nil
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
}

// parseTime reads ISO-8601 timestamps. Values without an offset are taken to
// be in loc.
func parseTime(value string, loc *time.Location) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
