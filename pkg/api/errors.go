package api

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeAuthentication ErrorType = "authentication_error"
	ErrorTypeUpstream       ErrorType = "upstream_error"
	ErrorTypeRequest        ErrorType = "request_error"
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeServerError    ErrorType = "server_error"
	ErrorTypeNoCredential   ErrorType = "no_credential"
)

// APIError represents a structured error with type, code, param, and message.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorResponse wraps an APIError for JSON serialization as the top-level
// error response body.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewAuthenticationError creates an APIError for invalid or expired
// upstream session credentials.
func NewAuthenticationError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeAuthentication,
		Message: message,
	}
}

// NewUpstreamError creates an APIError carrying a non-2xx backend response
// verbatim. The status code is recorded in Code.
func NewUpstreamError(status int, body string) *APIError {
	return &APIError{
		Type:    ErrorTypeUpstream,
		Code:    fmt.Sprintf("%d", status),
		Message: fmt.Sprintf("Upstream Error: %d - %s", status, body),
	}
}

// NewRequestError creates an APIError for transport failures.
func NewRequestError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeRequest,
		Message: message,
	}
}

// NewInvalidRequestError creates an APIError for invalid request parameters.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Param:   param,
		Message: message,
	}
}

// NewServerError creates an APIError for internal server errors.
func NewServerError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeServerError,
		Message: message,
	}
}

// NewNoCredentialError creates an APIError for an exhausted credential pool.
func NewNoCredentialError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeNoCredential,
		Message: message,
	}
}

// IsAuthentication reports whether err is (or wraps) an APIError of type
// authentication_error.
func IsAuthentication(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Type == ErrorTypeAuthentication
	}
	return false
}
