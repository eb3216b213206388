package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/snapdog/internal/apperrors"
	"github.com/strefethen/snapdog/internal/config"
)

func authedConfig() *config.Config {
	return &config.Config{
		API: config.APIConfig{AuthEnabled: true, APIKeys: []string{"primary", "secondary"}},
	}
}

func okHandler() http.Handler {
	return Handler(func(w http.ResponseWriter, r *http.Request) error {
		return WriteData(w, r, http.StatusOK, map[string]string{"pong": "true"})
	})
}

func TestHandler_ErrorBecomesEnvelope(t *testing.T) {
	h := Handler(func(http.ResponseWriter, *http.Request) error {
		return apperrors.NewNotFoundIndex("zone", 9)
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/zones/9", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.False(t, env.Success)
	require.Equal(t, apperrors.ErrorCodeNotFound, env.Error.Code)
}

func TestAuthMiddleware_RejectsAndAccepts(t *testing.T) {
	cfg := authedConfig()
	h := AuthMiddleware(cfg)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/zones", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "ApiKey", rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/v1/zones", nil)
	req.Header.Set("X-API-Key", "secondary")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_HealthIsExempt(t *testing.T) {
	h := AuthMiddleware(authedConfig())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWSToken_IssueAndVerify(t *testing.T) {
	cfg := authedConfig()
	token, err := IssueWSToken(cfg)
	require.NoError(t, err)
	require.NoError(t, VerifyWSToken(cfg, token))

	require.Error(t, VerifyWSToken(cfg, token+"tampered"))
	require.Error(t, VerifyWSToken(cfg, ""))

	// A token signed under a different key is rejected.
	other := &config.Config{API: config.APIConfig{AuthEnabled: true, APIKeys: []string{"different"}}}
	foreign, err := IssueWSToken(other)
	require.NoError(t, err)
	require.Error(t, VerifyWSToken(cfg, foreign))
}

func TestRequestID_GeneratedAndEchoed(t *testing.T) {
	var captured string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, captured)
	require.Equal(t, captured, rec.Header().Get("x-request-id"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("x-request-id", "fixed-id")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, "fixed-id", captured)
}
