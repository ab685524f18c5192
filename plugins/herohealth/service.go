package herohealth

import (
	"context"
	"sort"
	"time"

	"github.com/joshp123/gohome-herohealth/internal/core"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "gohome.plugins.herohealth.v1.HeroHealthService"

type service struct {
	coordinator *Coordinator
	client      *Client
}

// RegisterHeroHealthService exposes the coordinator over gRPC.
func RegisterHeroHealthService(server *grpc.Server, coordinator *Coordinator, client *Client) {
	newService(coordinator, client).desc().Register(server)
}

func newService(coordinator *Coordinator, client *Client) *service {
	return &service{coordinator: coordinator, client: client}
}

func (s *service) desc() core.StructService {
	return core.StructService{
		Name: ServiceName,
		Methods: map[string]core.StructMethod{
			"GetStatus":    s.GetStatus,
			"ListSlots":    s.ListSlots,
			"ListDoses":    s.ListDoses,
			"ListEntities": s.ListEntities,
			"Refresh":      s.Refresh,
			"GetAccount":   s.GetAccount,
		},
	}
}

func (s *service) ready() error {
	if s.coordinator == nil {
		return status.Error(codes.FailedPrecondition, "herohealth is not configured")
	}
	return nil
}

func (s *service) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	_ = ctx
	if err := s.ready(); err != nil {
		return nil, err
	}
	return core.NewStruct(statusFields(s.coordinator.Snapshot()))
}

func (s *service) ListSlots(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	_ = ctx
	if err := s.ready(); err != nil {
		return nil, err
	}
	snap := s.coordinator.Snapshot()
	slots := append([]Slot(nil), snap.Slots...)
	sort.Slice(slots, func(i, j int) bool { return slots[i].Index < slots[j].Index })

	out := make([]any, 0, len(slots))
	for _, slot := range slots {
		days := snap.Remaining[slot.Index]
		pills := days.PillsRemaining
		if pills == nil {
			pills = slot.PillsRemaining
		}
		out = append(out, map[string]any{
			"slot_index":      slot.Index,
			"pill_name":       snap.slotName(slot),
			"pills_remaining": numberAttr(pills),
			"remaining_days":  numberAttr(days.Days),
			"pills_per_day":   numberAttr(days.PillsPerDay),
			"min_days":        numberAttr(days.MinDays),
			"max_days":        numberAttr(days.MaxDays),
		})
	}
	return core.NewStruct(map[string]any{"slots": out})
}

func (s *service) ListDoses(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	_ = ctx
	if err := s.ready(); err != nil {
		return nil, err
	}
	snap := s.coordinator.Snapshot()
	out := make([]any, 0, len(snap.Doses))
	for _, dose := range snap.Doses {
		pills := make([]any, 0, len(dose.Pills))
		for _, p := range dose.Pills {
			pills = append(pills, p)
		}
		out = append(out, map[string]any{
			"time":       dose.Time,
			"status":     dose.Status,
			"pills":      pills,
			"pill_count": dose.PillCount,
		})
	}
	return core.NewStruct(map[string]any{"doses": out})
}

func (s *service) ListEntities(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	_ = ctx
	if err := s.ready(); err != nil {
		return nil, err
	}
	entities := s.coordinator.Entities()
	out := make([]any, 0, len(entities))
	for _, e := range entities {
		out = append(out, entityFields(e))
	}
	return core.NewStruct(map[string]any{"entities": out})
}

// Refresh polls now and returns the resulting status. A poll that fails as a
// whole is still reported through the status fields.
func (s *service) Refresh(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	snap, err := s.coordinator.Refresh(ctx)
	if ctx.Err() != nil {
		return nil, status.FromContextError(ctx.Err()).Err()
	}
	fields := statusFields(snap)
	if err != nil {
		fields["refresh_error"] = err.Error()
	}
	return core.NewStruct(fields)
}

func (s *service) GetAccount(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.client == nil {
		return nil, status.Error(codes.FailedPrecondition, "herohealth is not configured")
	}
	sections, errs, err := s.client.AccountOverview(ctx)
	if err != nil {
		if IsAuthError(err) {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	errFields := make(map[string]any, len(errs))
	for k, v := range errs {
		errFields[k] = v
	}
	return core.NewStruct(map[string]any{
		"account_id": s.client.AccountID(),
		"sections":   sections,
		"errors":     errFields,
	})
}

func statusFields(snap Snapshot) map[string]any {
	sources := make(map[string]any, len(snap.Sources))
	for name, st := range snap.Sources {
		sources[name] = map[string]any{
			"ok":           st.OK,
			"has_data":     st.HasData,
			"error":        st.Error,
			"last_success": formatTime(st.LastSuccess),
		}
	}
	failed := make([]any, 0)
	for _, name := range snap.FailedSources() {
		failed = append(failed, name)
	}
	return map[string]any{
		"account_id":      snap.AccountID,
		"polls":           snap.Polls,
		"polled_at":       formatTime(snap.PolledAt),
		"last_success":    formatTime(snap.LastSuccess),
		"last_error":      snap.LastError,
		"reachable":       snap.Reachable,
		"reauth_required": snap.Reauth,
		"reauth_prompts":  snap.Prompts,
		"device_online":   snap.Reachable && !snap.Reauth && (!snap.has(SourceOffline) || snap.Offline.Online),
		"failed_sources":  failed,
		"sources":         sources,
		"pill_stats":      snap.PillStats,
	}
}

func entityFields(e Entity) map[string]any {
	attrs := make(map[string]any, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return map[string]any{
		"key":        e.Key,
		"entity_id":  e.EntityID(),
		"name":       e.Name,
		"available":  e.Available,
		"state":      e.State(),
		"unit":       e.Unit,
		"attributes": attrs,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
