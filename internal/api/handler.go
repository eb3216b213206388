// Package api carries the HTTP plumbing shared by every route: the
// response envelope, the error-returning handler adapter and the
// request middleware stack.
package api

import (
	"net/http"

	"github.com/strefethen/snapdog/internal/apperrors"
	applog "github.com/strefethen/snapdog/internal/log"
)

// Handler adapts handlers that return errors into http.Handler.
type Handler func(w http.ResponseWriter, r *http.Request) error

// ServeHTTP implements http.Handler.
func (handler Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := handler(w, r); err != nil {
		WriteError(w, r, err)
	}
}

// RecovererMiddleware converts panics into 500 responses.
func RecovererMiddleware(next http.Handler) http.Handler {
	logger := applog.Component("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.Error().Any("panic", recovered).Str("path", r.URL.Path).Msg("panic recovered")
				WriteError(w, r, apperrors.NewInternalError("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
