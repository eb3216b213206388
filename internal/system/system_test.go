package system

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/strefethen/snapdog/internal/core"
	"github.com/strefethen/snapdog/internal/state"
)

func TestStatsSampler_WritesToGlobalStore(t *testing.T) {
	global := state.NewGlobalStore(state.NewBus(), core.GlobalState{Version: "test"})
	sampler := NewStatsSampler(global)

	sampler.Sample()

	stats := global.Get().Stats
	require.GreaterOrEqual(t, stats.UptimeMS, int64(0))
	require.NotZero(t, stats.MemoryRSS)
}

func TestHealth_ReadyReflectsProbes(t *testing.T) {
	snapcastUp := true
	router := chi.NewRouter()
	RegisterHealthRoutes(router, []HealthProbe{
		{Name: "snapcast", Check: func() bool { return snapcastUp }},
		{Name: "mqtt", Check: func() bool { return true }},
	})

	get := func(path string) (*httptest.ResponseRecorder, map[string]any) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return rec, body
	}

	rec, body := get("/health/ready")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", body["status"])

	snapcastUp = false
	rec, body = get("/health/ready")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "not_ready", body["status"])
	upstreams := body["upstreams"].(map[string]any)
	require.Equal(t, false, upstreams["snapcast"])
	require.Equal(t, true, upstreams["mqtt"])

	// Liveness stays up regardless of upstreams.
	rec, body = get("/health/live")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])

	rec, body = get("/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "degraded", body["status"])
}
