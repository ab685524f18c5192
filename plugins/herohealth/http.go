package herohealth

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/joshp123/gohome-herohealth/internal/core"
	"github.com/julienschmidt/httprouter"
)

const apiPrefix = "/api/herohealth"

var _ core.HTTPRegistrant = (*Plugin)(nil)

func (p *Plugin) RegisterHTTP(router *httprouter.Router) {
	router.GET(apiPrefix+"/entities", p.listEntities())
	router.GET(apiPrefix+"/entities/:key", p.getEntity())
	router.GET(apiPrefix+"/status", p.getStatus())
	router.POST(apiPrefix+"/refresh", p.refreshHandler())
}

func (p *Plugin) listEntities() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if p.coordinator == nil {
			http.Error(w, "herohealth unavailable", http.StatusServiceUnavailable)
			return
		}
		entities := p.coordinator.Entities()
		out := make([]map[string]any, 0, len(entities))
		for _, e := range entities {
			out = append(out, entityFields(e))
		}
		writeJSON(w, http.StatusOK, map[string]any{"entities": out})
	}
}

func (p *Plugin) getEntity() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if p.coordinator == nil {
			http.Error(w, "herohealth unavailable", http.StatusServiceUnavailable)
			return
		}
		key := ps.ByName("key")
		for _, e := range p.coordinator.Entities() {
			if e.Key == key || e.ObjectID == key {
				writeJSON(w, http.StatusOK, entityFields(e))
				return
			}
		}
		http.Error(w, "entity not found", http.StatusNotFound)
	}
}

func (p *Plugin) getStatus() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if p.coordinator == nil {
			http.Error(w, "herohealth unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, statusFields(p.coordinator.Snapshot()))
	}
}

func (p *Plugin) refreshHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if p.coordinator == nil {
			http.Error(w, "herohealth unavailable", http.StatusServiceUnavailable)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
		defer cancel()
		snap, err := p.coordinator.Refresh(ctx)
		if ctx.Err() != nil {
			http.Error(w, ctx.Err().Error(), http.StatusGatewayTimeout)
			return
		}
		fields := statusFields(snap)
		if err != nil {
			fields["refresh_error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, fields)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
