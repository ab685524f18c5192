package herohealth

import (
	"sort"
	"strconv"
	"time"
)

// Poll sources, named as they appear in logs, metrics and gRPC status.
const (
	SourceDoses     = "doses"
	SourceEvents    = "events"
	SourceSchedules = "pills_by_schedules"
	SourcePillStats = "pill_stats"
	SourceStats     = "stats"
	SourceOffline   = "check_offline"
	SourceDevice    = "device_config"
	SourceSlots     = "taken_slots"
)

var primarySources = []string{
	SourceDoses,
	SourceEvents,
	SourceSchedules,
	SourcePillStats,
	SourceStats,
	SourceOffline,
	SourceDevice,
	SourceSlots,
}

// SourceStatus tracks one endpoint across polls.
type SourceStatus struct {
	OK          bool
	HasData     bool
	Error       string
	LastSuccess time.Time
}

// Snapshot is the coordinator's view of the account after a poll. Data
// fields hold the last value successfully fetched for each source.
type Snapshot struct {
	AccountID   string
	Polls       int
	PolledAt    time.Time
	LastSuccess time.Time
	LastError   string

	// Reachable is false when every source failed in the last poll.
	Reachable bool
	// Reauth is true while the refresh token is unusable.
	Reauth  bool
	Prompts int

	Doses     []Dose
	Events    []Event
	Schedules []ScheduledPill
	PillStats any
	Stats     Stats
	Offline   OfflineStatus
	Device    DeviceConfig
	Slots     []Slot
	Remaining map[int]RemainingDays

	Sources         map[string]SourceStatus
	// RemainingStatus tracks the remaining-days fetch of each slot.
	RemainingStatus map[int]SourceStatus
}

func (s Snapshot) has(source string) bool {
	return s.Sources[source].HasData
}

// FailedSources lists sources whose last fetch failed, in name order.
func (s Snapshot) FailedSources() []string {
	var failed []string
	for name, status := range s.Sources {
		if !status.OK {
			failed = append(failed, name)
		}
	}
	for idx, status := range s.RemainingStatus {
		if !status.OK {
			failed = append(failed, remainingSource(idx))
		}
	}
	sort.Strings(failed)
	return failed
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Sources = make(map[string]SourceStatus, len(s.Sources))
	for k, v := range s.Sources {
		out.Sources[k] = v
	}
	out.Remaining = make(map[int]RemainingDays, len(s.Remaining))
	for k, v := range s.Remaining {
		out.Remaining[k] = v
	}
	out.RemainingStatus = make(map[int]SourceStatus, len(s.RemainingStatus))
	for k, v := range s.RemainingStatus {
		out.RemainingStatus[k] = v
	}
	return out
}

func remainingSource(idx int) string {
	return "remaining_days[" + strconv.Itoa(idx) + "]"
}

// remainingUnreadable reports whether a slot has no trustworthy
// remaining-days value.
func (s Snapshot) remainingUnreadable(idx int) bool {
	status, ok := s.RemainingStatus[idx]
	return ok && !status.HasData
}

// slotName resolves a display name for a slot.
func (s Snapshot) slotName(slot Slot) string {
	if slot.Name != "" {
		return slot.Name
	}
	for _, pill := range s.Schedules {
		if pill.SlotIndex != nil && *pill.SlotIndex == slot.Index && pill.Name != "" {
			return pill.Name
		}
	}
	return "Slot " + strconv.Itoa(slot.Index)
}
