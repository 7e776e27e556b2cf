package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"agentd/internal/runtime/ports"
)

const healthProbeTimeout = 2 * time.Second

// HealthHandler serves GET /health. It reports liveness unconditionally and
// probes the backing stores so a wedged backend is visible before traffic
// hits /process.
type HealthHandler struct {
	states  ports.StateStore
	history ports.HistoryStore
}

// NewHealthHandler creates the health endpoint. Either store may be nil;
// absent stores are simply not probed.
func NewHealthHandler(states ports.StateStore, history ports.HistoryStore) *HealthHandler {
	return &HealthHandler{states: states, history: history}
}

// ServeHTTP implements http.Handler.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK
	degrade := func(check string, err error) {
		resp.Checks[check] = err.Error()
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	if h.states != nil {
		// A miss is a healthy answer; only a transport or backend failure
		// degrades the check.
		_, err := h.states.Load(ctx, "health-probe", "health-probe")
		if err == nil || errors.Is(err, ports.ErrStateNotFound) {
			resp.Checks["state_store"] = "ok"
		} else {
			degrade("state_store", err)
		}
	}

	if h.history != nil {
		if _, err := h.history.Read(ctx, "health-probe", "health-probe"); err == nil {
			resp.Checks["history_store"] = "ok"
		} else {
			degrade("history_store", err)
		}
	}

	writeJSON(w, status, resp)
}
