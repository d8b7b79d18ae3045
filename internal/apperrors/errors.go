// Package apperrors defines the typed error kinds surfaced by the key pool
// and the HTTP surface.
package apperrors

import (
	"errors"
	"net/http"
	"strings"

	"gorm.io/gorm"
)

// APIError is a typed application error carrying the HTTP status it should
// be surfaced as.
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Predefined error kinds. HTTPStatus/Code pairs mirror the error-handling
// design: NoAvailableKeys degrades to a 503, database failures to a 500,
// upstream failures propagate as a 502, and malformed client input is a 400.
var (
	ErrBadRequest         = &APIError{HTTPStatus: http.StatusBadRequest, Code: "BAD_REQUEST", Message: "Invalid request parameters"}
	ErrInvalidJSON        = &APIError{HTTPStatus: http.StatusBadRequest, Code: "INVALID_JSON", Message: "Request body is not valid JSON"}
	ErrEmptyMessage       = &APIError{HTTPStatus: http.StatusBadRequest, Code: "EMPTY_MESSAGE", Message: "Message text or image is required"}
	ErrInternalServer     = &APIError{HTTPStatus: http.StatusInternalServerError, Code: "INTERNAL_SERVER_ERROR", Message: "Internal server error"}
	ErrDatabase           = &APIError{HTTPStatus: http.StatusInternalServerError, Code: "DATABASE_ERROR", Message: "Database operation failed"}
	ErrDuplicateResource  = &APIError{HTTPStatus: http.StatusConflict, Code: "DUPLICATE_RESOURCE", Message: "Resource already exists"}
	ErrResourceNotFound   = &APIError{HTTPStatus: http.StatusNotFound, Code: "NOT_FOUND", Message: "Resource not found"}
	ErrNoAvailableKeys    = &APIError{HTTPStatus: http.StatusServiceUnavailable, Code: "NO_AVAILABLE_KEYS", Message: "No active key is available for this request"}
	ErrUpstreamBadGateway = &APIError{HTTPStatus: http.StatusBadGateway, Code: "UPSTREAM_ERROR", Message: "Upstream request failed"}
)

// NewAPIError builds a copy of base with a caller-supplied message.
func NewAPIError(base *APIError, message string) *APIError {
	return &APIError{HTTPStatus: base.HTTPStatus, Code: base.Code, Message: message}
}

// NewAPIErrorWithUpstream builds an error carrying an upstream-reported
// status code and message, used when forwarding a non-2xx upstream response.
func NewAPIErrorWithUpstream(statusCode int, code, message string) *APIError {
	return &APIError{HTTPStatus: statusCode, Code: code, Message: message}
}

// ParseDBError classifies a gorm/sqlite error into an APIError. Returns nil
// for a nil input.
func ParseDBError(err error) *APIError {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrResourceNotFound
	}
	if strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT") {
		return ErrDuplicateResource
	}
	return ErrDatabase
}
