package server

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// DashboardsHandler serves dashboard JSON keyed by core.DashboardPath.
func DashboardsHandler(dashboards map[string][]byte) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		path := "/dashboards/" + ps.ByName("plugin") + "/" + ps.ByName("file")
		if data, ok := dashboards[path]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
			return
		}

		http.NotFound(w, r)
	}
}
