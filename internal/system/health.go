package system

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/strefethen/snapdog/internal/api"
)

// HealthProbe reports connectivity for one upstream. Probes run inline on
// every readiness request, so they must be cheap snapshot reads.
type HealthProbe struct {
	Name  string
	Check func() bool
}

// RegisterHealthRoutes wires the unauthenticated health surface. Liveness is
// unconditional; readiness aggregates the upstream probes.
func RegisterHealthRoutes(router chi.Router, probes []HealthProbe) {
	router.Method(http.MethodGet, "/health", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		upstreams, ready := probeAll(probes)
		status := "healthy"
		if !ready {
			status = "degraded"
		}
		return api.WriteJSON(w, http.StatusOK, map[string]any{
			"status":    status,
			"service":   "snapdog",
			"version":   Version,
			"upstreams": upstreams,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}))

	router.Method(http.MethodGet, "/health/live", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}))

	router.Method(http.MethodGet, "/health/ready", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		upstreams, ready := probeAll(probes)
		status, code := "ready", http.StatusOK
		if !ready {
			status, code = "not_ready", http.StatusServiceUnavailable
		}
		return api.WriteJSON(w, code, map[string]any{
			"status":    status,
			"upstreams": upstreams,
		})
	}))
}

func probeAll(probes []HealthProbe) (map[string]bool, bool) {
	upstreams := make(map[string]bool, len(probes))
	ready := true
	for _, p := range probes {
		up := p.Check()
		upstreams[p.Name] = up
		ready = ready && up
	}
	return upstreams, ready
}
