package herohealth

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

const objectPrefix = "hero_health_dispenser_"

const (
	ComponentSensor       = "sensor"
	ComponentBinarySensor = "binary_sensor"
)

// Entity is the state of one sensor after a poll. A nil Value is unknown.
type Entity struct {
	Key            string
	ObjectID       string
	Component      string
	Name           string
	DeviceClass    string
	StateClass     string
	Unit           string
	Icon           string
	EntityCategory string

	Available  bool
	Value      any
	Attributes map[string]any
}

func (e Entity) EntityID() string {
	return e.Component + "." + e.ObjectID
}

// State renders Value the way Home Assistant expects it on a state topic.
func (e Entity) State() string {
	switch v := e.Value.(type) {
	case nil:
		return "None"
	case time.Time:
		return v.Format(time.RFC3339)
	case bool:
		if v {
			return "ON"
		}
		return "OFF"
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return v
	default:
		return "None"
	}
}

// BuildEntities maps a snapshot to entity states. Day boundaries are taken
// in loc.
func BuildEntities(s Snapshot, now time.Time, loc *time.Location) []Entity {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)

	nextDose := Entity{
		Key: "next_dose", Component: ComponentSensor, Name: "Next Dose",
		DeviceClass: "timestamp", Icon: "mdi:pill",
	}
	adherence := Entity{
		Key: "adherence", Component: ComponentSensor, Name: "Medication Adherence",
		Icon: "mdi:chart-arc", Unit: "%", StateClass: "measurement",
	}
	lastEvent := Entity{
		Key: "last_event", Component: ComponentSensor, Name: "Last Event",
		DeviceClass: "timestamp", Icon: "mdi:history",
	}
	takenToday := Entity{
		Key: "doses_taken_today", Component: ComponentSensor, Name: "Doses Taken Today",
		Icon: "mdi:checkbox-marked-circle-outline", StateClass: "total",
	}
	online := Entity{
		Key: "device_online", Component: ComponentBinarySensor, Name: "Device Online",
		DeviceClass: "connectivity",
	}
	reauth := Entity{
		Key: "reauth_required", Component: ComponentBinarySensor, Name: "Re-authentication Required",
		DeviceClass: "problem", EntityCategory: "diagnostic",
	}

	if s.Polls > 0 {
		reauth.Available = true
		reauth.Value = s.Reauth
	}
	healthy := s.Polls > 0 && !s.Reauth && s.Reachable

	if healthy && s.has(SourceDoses) {
		nextDose.Available = true
		if at, dose := findNextDose(s.Doses, now, loc); dose != nil {
			nextDose.Value = at.In(loc)
			nextDose.Attributes = map[string]any{
				"pills":      joinPills(dose.Pills),
				"pill_count": dose.PillCount,
			}
		}

		takenToday.Available = true
		counts := countToday(s.Doses, now, loc)
		takenToday.Value = counts.taken
		takenToday.Attributes = map[string]any{
			"total_doses_today": counts.total,
			"missed_today":      counts.missed,
			"pending_today":     counts.pending,
		}
	}

	if healthy && s.has(SourceEvents) {
		lastEvent.Available = true
		if at, event := findLastEvent(s.Events, loc); event != nil {
			lastEvent.Value = at.In(loc)
			lastEvent.Attributes = map[string]any{
				"event_type": optional(event.Type),
				"details":    optional(event.Details),
				"pills":      joinPills(event.Pills),
			}
		}
	}

	if healthy && s.has(SourceStats) {
		adherence.Available = true
		adherence.Value = adherencePercent(s.Stats)
		adherence.Attributes = map[string]any{
			"taken_count":  numberAttr(s.Stats.Taken),
			"missed_count": numberAttr(s.Stats.Missed),
			"total_count":  numberAttr(s.Stats.Total),
			"period":       s.Stats.Period,
		}
	}

	switch {
	case s.Polls == 0 || s.Reauth:
	case !s.Reachable:
		online.Available = true
		online.Value = false
	default:
		online.Available = true
		online.Value = true
		if s.has(SourceOffline) {
			online.Value = s.Offline.Online
		}
		if s.has(SourceDevice) {
			online.Attributes = map[string]any{
				"timezone_offset":  s.Device.TimezoneOffset,
				"travel_mode":      s.Device.TravelMode,
				"firmware_version": optional(s.Device.FirmwareVersion),
				"device_id":        optional(s.Device.DeviceID),
			}
		}
	}

	entities := []Entity{nextDose, adherence, lastEvent, takenToday, online, reauth}
	// The last known slot list keeps slot sensors in place while taken_slots
	// is unreadable; they go unavailable instead of disappearing.
	if len(s.Slots) > 0 {
		entities = append(entities, slotEntities(s, healthy && s.has(SourceSlots))...)
	}
	for i := range entities {
		if entities[i].ObjectID == "" {
			entities[i].ObjectID = objectPrefix + entities[i].Key
		}
	}
	return entities
}

func slotEntities(s Snapshot, healthy bool) []Entity {
	slots := append([]Slot(nil), s.Slots...)
	sort.Slice(slots, func(i, j int) bool { return slots[i].Index < slots[j].Index })

	used := make(map[string]bool, len(slots))
	out := make([]Entity, 0, len(slots))
	for _, slot := range slots {
		name := s.slotName(slot)
		objectID := objectPrefix + slug(name) + "_remaining_days"
		if used[objectID] {
			objectID = objectPrefix + slug(name) + "_" + strconv.Itoa(slot.Index) + "_remaining_days"
		}
		used[objectID] = true

		e := Entity{
			Key:        "pill_remaining_days_" + strconv.Itoa(slot.Index),
			ObjectID:   objectID,
			Component:  ComponentSensor,
			Name:       name + " Remaining Days",
			Icon:       "mdi:calendar-clock",
			Unit:       "days",
			StateClass: "measurement",
			Available:  healthy && !s.remainingUnreadable(slot.Index),
		}

		days, ok := s.Remaining[slot.Index]
		pills := days.PillsRemaining
		if pills == nil {
			pills = slot.PillsRemaining
		}
		if ok && days.Days != nil && *days.Days >= 0 && pills != nil && *pills >= 0 {
			e.Value = int(math.Floor(*days.Days))
		}
		e.Attributes = map[string]any{
			"slot_index":      slot.Index,
			"pill_name":       name,
			"pills_remaining": numberAttr(pills),
			"pills_per_day":   numberAttr(days.PillsPerDay),
			"min_days":        numberAttr(days.MinDays),
			"max_days":        numberAttr(days.MaxDays),
		}
		out = append(out, e)
	}
	return out
}

func findNextDose(doses []Dose, now time.Time, loc *time.Location) (time.Time, *Dose) {
	var (
		best   time.Time
		chosen *Dose
	)
	for i := range doses {
		switch doses[i].Status {
		case "taken", "missed", "skipped":
			continue
		}
		at, ok := parseTime(doses[i].Time, loc)
		if !ok || !at.After(now) {
			continue
		}
		if chosen == nil || at.Before(best) {
			best = at
			chosen = &doses[i]
		}
	}
	return best, chosen
}

func findLastEvent(events []Event, loc *time.Location) (time.Time, *Event) {
	var (
		best   time.Time
		chosen *Event
	)
	for i := range events {
		at, ok := parseTime(events[i].Time, loc)
		if !ok {
			continue
		}
		if chosen == nil || at.After(best) {
			best = at
			chosen = &events[i]
		}
	}
	return best, chosen
}

type dayCounts struct {
	total   int
	taken   int
	missed  int
	pending int
}

// countToday counts doses scheduled on now's calendar day in loc. Every
// counted dose lands in exactly one of taken, missed, skipped or pending, so
// missed never exceeds total.
func countToday(doses []Dose, now time.Time, loc *time.Location) dayCounts {
	y, m, d := now.In(loc).Date()
	var c dayCounts
	for _, dose := range doses {
		at, ok := parseTime(dose.Time, loc)
		if !ok {
			continue
		}
		if dy, dm, dd := at.In(loc).Date(); dy != y || dm != m || dd != d {
			continue
		}
		c.total++
		switch dose.Status {
		case "taken":
			c.taken++
		case "missed":
			c.missed++
		case "skipped":
		default:
			c.pending++
		}
	}
	return c
}

func adherencePercent(s Stats) any {
	if s.Adherence != nil {
		return round1(*s.Adherence)
	}
	if s.Total != nil && *s.Total > 0 {
		taken := 0.0
		if s.Taken != nil {
			taken = *s.Taken
		}
		return round1(taken / *s.Total * 100)
	}
	return nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func numberAttr(v *float64) any {
	if v == nil {
		return nil
	}
	if *v == math.Trunc(*v) && math.Abs(*v) < 1<<53 {
		return int(*v)
	}
	return *v
}

func joinPills(names []string) any {
	if len(names) == 0 {
		return nil
	}
	return strings.Join(names, ", ")
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func slug(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}
