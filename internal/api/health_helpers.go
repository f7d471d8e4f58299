package api

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// Probe reports whether one dependency is reachable.
type Probe func(ctx context.Context) error

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	components := make([]componentStatus, 0, len(names))
	for _, name := range names {
		status := componentStatus{Component: name, Status: "ok"}
		if err := h.probes[name](ctx); err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		components = append(components, status)
	}
	return components, overallStatus, statusCode
}

// Health reports the state of every registered probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeMethodNotAllowed(w, r, "GET, HEAD")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	components, status, code := h.componentHealth(ctx)
	WriteJSON(w, code, healthResponse{Status: status, Components: components})
}
