package handlers

import (
	"context"
	"net/http"
	"time"
)

const backendProbeTimeout = 5 * time.Second

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// BackendHealth probes the backend's stats endpoint.
func (a *App) BackendHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if a.Supervisor != nil {
		body["supervisor"] = string(a.Supervisor.State())
		body["restarts"] = a.Supervisor.Restarts()
	}
	if a.Backend == nil {
		body["status"] = "unavailable"
		a.json(w, http.StatusServiceUnavailable, body)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), backendProbeTimeout)
	defer cancel()
	if err := a.Backend.Health(ctx); err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		a.json(w, http.StatusServiceUnavailable, body)
		return
	}
	a.json(w, http.StatusOK, body)
}
