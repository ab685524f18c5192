package server

import (
	"encoding/json"
	"net/http"

	"github.com/joshp123/gohome-herohealth/internal/core"
	"github.com/julienschmidt/httprouter"
)

type pluginHealth struct {
	PluginID string `json:"plugin_id"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

// HealthHandler reports liveness plus each plugin's health. The process is
// alive whenever it can answer, so the status code is always 200.
func HealthHandler(plugins []core.Plugin) httprouter.Handle {
	return func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		entries := make([]pluginHealth, 0, len(plugins))
		for _, p := range plugins {
			entries = append(entries, pluginHealth{
				PluginID: p.ID(),
				Status:   string(p.Health()),
				Message:  p.HealthMessage(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  string(core.OverallHealth(plugins)),
			"plugins": entries,
		})
	}
}
