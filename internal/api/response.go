package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/strefethen/snapdog/internal/apperrors"
)

// Envelope is the uniform response shape of every JSON endpoint.
// Example: {"success": true, "data": {...}, "requestId": "..."}
type Envelope struct {
	Success   bool                 `json:"success"`
	Data      any                  `json:"data,omitempty"`
	Error     *apperrors.ErrorBody `json:"error,omitempty"`
	RequestID string               `json:"requestId"`
}

// WriteJSON sends a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(payload)
}

// WriteData wraps a payload in the success envelope.
func WriteData(w http.ResponseWriter, r *http.Request, status int, data any) error {
	return WriteJSON(w, status, Envelope{
		Success:   true,
		Data:      data,
		RequestID: GetRequestID(r),
	})
}

// WriteError serializes an AppError into the failure envelope using the
// error's mapped HTTP status.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperrors.EnsureAppError(err)
	body := appErr.ErrorBody()
	_ = WriteJSON(w, appErr.StatusCode, Envelope{
		Success:   false,
		Error:     &body,
		RequestID: GetRequestID(r),
	})
}

// DecodeJSON reads a JSON request body into dst, mapping malformed
// bodies to a validation error.
func DecodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return apperrors.NewValidationError("unreadable request body", nil)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperrors.NewValidationError("malformed JSON body", map[string]any{"cause": err.Error()})
	}
	return nil
}
