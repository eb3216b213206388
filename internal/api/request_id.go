package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// requestIDHeader carries the correlation ID on both request and
// response; clients that send one get it echoed back, everyone else
// gets a fresh UUID.
const requestIDHeader = "x-request-id"

type ctxKey int

const ctxKeyRequestID ctxKey = iota

// RequestIDMiddleware stamps each request with a correlation ID so
// response envelopes and logs can be tied together.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID reports the correlation ID stamped by
// RequestIDMiddleware, or "" when the middleware did not run.
func GetRequestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	id, _ := r.Context().Value(ctxKeyRequestID).(string)
	return id
}
