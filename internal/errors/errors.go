package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Domain sentinel errors. Wrap with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	// ErrUnsupportedAlgorithm is fatal and only returned while building a combiner.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrUnsupportedLayer     = errors.New("unsupported obfuscation layer")

	ErrBusy        = errors.New("hash workers busy")
	ErrQueueClosed = errors.New("hash workers stopped")

	ErrStoreUnavailable = errors.New("license store unavailable")
	ErrDuplicateID      = errors.New("duplicate license id")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("concurrent modification")

	ErrInvalidRequest = errors.New("invalid request")
	ErrRateLimited    = errors.New("rate limited")
	ErrInvalidToken   = errors.New("invalid license token")

	ErrClassifierUnavailable = errors.New("threat classifier unavailable")
)

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// APIError represents a structured API error response
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	TraceID    string      `json:"trace_id,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// ValidationError represents one failed request field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// New creates a new APIError with the given parameters
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// InvalidRequestWithError creates an invalid request error with details
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format", err.Error())
}

// NewValidationErrors creates validation errors from multiple fields
func NewValidationErrors(errs []ValidationError) *APIError {
	return NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", errs)
}

// FromError maps a domain error onto an APIError.
func FromError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, ErrInvalidRequest):
		return NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request", err.Error())
	case errors.Is(err, ErrInvalidToken):
		return New(http.StatusUnauthorized, "INVALID_TOKEN", "License token rejected")
	case errors.Is(err, ErrNotFound):
		return NewWithDetails(http.StatusNotFound, "NOT_FOUND", "Resource not found", err.Error())
	case errors.Is(err, ErrRateLimited):
		return New(http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
	case errors.Is(err, ErrBusy):
		return New(http.StatusServiceUnavailable, "BUSY", "Hash workers saturated, retry with backoff")
	case errors.Is(err, ErrStoreUnavailable):
		return New(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "License store unavailable")
	case errors.Is(err, ErrClassifierUnavailable):
		return New(http.StatusBadGateway, "CLASSIFIER_UNAVAILABLE", "Threat classifier unavailable")
	case errors.Is(err, ErrQueueClosed):
		return New(http.StatusServiceUnavailable, "SHUTTING_DOWN", "Service is shutting down")
	default:
		return New(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
	}
}

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error"`
}

// NewErrorResponse creates a new error response
func NewErrorResponse(err *APIError) *ErrorResponse {
	return &ErrorResponse{
		Success: false,
		Error:   err,
	}
}

// Render implements the render.Renderer interface
func (e *ErrorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return e.Error.Render(w, r)
}

// WriteError writes an error response without going through chi/render.
func WriteError(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	if encErr := json.NewEncoder(w).Encode(NewErrorResponse(err)); encErr != nil {
		fmt.Fprintf(w, `{"success":false}`)
	}
}
