package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/strefethen/snapdog/internal/apperrors"
	"github.com/strefethen/snapdog/internal/config"
)

const (
	apiKeyHeader = "X-API-Key"
	// wsTokenTTL bounds the window between fetching a socket token and
	// opening the socket.
	wsTokenTTL = 60 * time.Second
)

// AuthMiddleware enforces the configured API keys on every request. The
// health endpoints stay open for probes.
func AuthMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.API.AuthEnabled || isExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(apiKeyHeader)
			if key == "" || !keyMatches(cfg.API.APIKeys, key) {
				w.Header().Set("WWW-Authenticate", "ApiKey")
				WriteError(w, r, apperrors.NewUnauthorizedError("missing or invalid API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isExempt(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/health/")
}

func keyMatches(keys []string, candidate string) bool {
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(candidate)) == 1 {
			return true
		}
	}
	return false
}

// WebSocket connections cannot carry headers from browser clients, so
// the socket authenticates with a short-lived token minted over the
// authenticated REST surface and passed as ?token=.

type wsClaims struct {
	jwt.RegisteredClaims
}

// signingKey derives the HMAC secret from the primary API key.
func signingKey(cfg *config.Config) []byte {
	if len(cfg.API.APIKeys) == 0 {
		return nil
	}
	return []byte(cfg.API.APIKeys[0])
}

// IssueWSToken mints a socket token.
func IssueWSToken(cfg *config.Config) (string, error) {
	key := signingKey(cfg)
	if key == nil {
		return "", apperrors.NewConfigError("SNAPDOG_API_APIKEY", "required for websocket tokens")
	}
	now := time.Now()
	claims := wsClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "websocket",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(wsTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", apperrors.NewInternalError("token signing failed")
	}
	return signed, nil
}

// VerifyWSToken validates a socket token.
func VerifyWSToken(cfg *config.Config, tokenString string) error {
	key := signingKey(cfg)
	if key == nil {
		return apperrors.NewUnauthorizedError("websocket auth not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &wsClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return key, nil
	})
	if err != nil || !token.Valid {
		return apperrors.NewUnauthorizedError("invalid websocket token")
	}
	return nil
}

// WSAuthMiddleware guards the hub endpoint with the socket token.
func WSAuthMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.API.AuthEnabled {
				next.ServeHTTP(w, r)
				return
			}
			// Non-browser clients may still present the API key header.
			if key := r.Header.Get(apiKeyHeader); key != "" && keyMatches(cfg.API.APIKeys, key) {
				next.ServeHTTP(w, r)
				return
			}
			if err := VerifyWSToken(cfg, r.URL.Query().Get("token")); err != nil {
				WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
