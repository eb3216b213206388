// Package apperrors defines the closed set of error codes shared by every
// control surface. Handlers return *AppError; adapters map it to their
// protocol's failure shape.
package apperrors

import "fmt"

type ErrorCode string

const (
	ErrorCodeValidation          ErrorCode = "VALIDATION_ERROR"
	ErrorCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrorCodeInvalidOperation    ErrorCode = "INVALID_OPERATION"
	ErrorCodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrorCodeUpstreamTimeout     ErrorCode = "UPSTREAM_TIMEOUT"
	ErrorCodeConfig              ErrorCode = "CONFIG"
	ErrorCodeAdapterLag          ErrorCode = "ADAPTER_LAG"
	ErrorCodeMQTTParse           ErrorCode = "MQTT_PARSE"
	ErrorCodeInternal            ErrorCode = "INTERNAL"
	ErrorCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
)

// ErrorBody is the serialized error payload inside the response envelope.
type ErrorBody struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// AppError is the error type carried across the command router and the
// HTTP/MQTT/KNX surfaces.
type AppError struct {
	Code       ErrorCode
	Message    string
	StatusCode int
	Component  string
	Details    map[string]any
}

func (err *AppError) Error() string {
	return fmt.Sprintf("%s: %s", err.Code, err.Message)
}

func (err *AppError) ErrorBody() ErrorBody {
	return ErrorBody{
		Code:    err.Code,
		Message: err.Message,
		Details: err.Details,
	}
}

// WithComponent tags the error with the component that produced it.
func (err *AppError) WithComponent(component string) *AppError {
	err.Component = component
	return err
}

func NewAppError(code ErrorCode, message string, statusCode int, details map[string]any) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Details:    details,
	}
}

func NewValidationError(message string, details map[string]any) *AppError {
	return NewAppError(ErrorCodeValidation, message, 400, details)
}

func NewNotFoundError(message string, details map[string]any) *AppError {
	return NewAppError(ErrorCodeNotFound, message, 404, details)
}

// NewNotFoundIndex reports an out-of-range entity index.
func NewNotFoundIndex(resource string, index int) *AppError {
	return NewAppError(ErrorCodeNotFound,
		fmt.Sprintf("%s %d not found", resource, index),
		404,
		map[string]any{"resource": resource, "index": index})
}

func NewInvalidOperationError(message string) *AppError {
	return NewAppError(ErrorCodeInvalidOperation, message, 409, nil)
}

func NewUpstreamUnavailableError(upstream string) *AppError {
	return NewAppError(ErrorCodeUpstreamUnavailable,
		upstream+" is not connected", 503,
		map[string]any{"upstream": upstream})
}

func NewUpstreamTimeoutError(upstream, op string) *AppError {
	return NewAppError(ErrorCodeUpstreamTimeout,
		fmt.Sprintf("%s call %s exceeded deadline", upstream, op), 504,
		map[string]any{"upstream": upstream, "op": op})
}

func NewConfigError(key, reason string) *AppError {
	return NewAppError(ErrorCodeConfig,
		fmt.Sprintf("configuration key %s: %s", key, reason), 500,
		map[string]any{"key": key})
}

func NewAdapterLagError(adapter string) *AppError {
	return NewAppError(ErrorCodeAdapterLag,
		"adapter "+adapter+" lagged and was reseeded", 500,
		map[string]any{"adapter": adapter})
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorCodeInternal, message, 500, nil)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrorCodeUnauthorized, message, 401, nil)
}

// EnsureAppError converts an arbitrary error into an AppError.
func EnsureAppError(err error) *AppError {
	if err == nil {
		return NewInternalError("unknown error")
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return NewInternalError("internal server error")
}
