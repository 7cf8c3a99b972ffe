package http

import (
	"encoding/json"
	"net/http"

	"github.com/sitzung-dev/sitzung/pkg/api"
)

// HTTPStatusFromError maps an APIError type to an HTTP status code.
// Credential-pool and backend failures are gateway conditions, not client
// mistakes, so they land in the 5xx range.
func HTTPStatusFromError(err *api.APIError) int {
	switch err.Type {
	case api.ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case api.ErrorTypeNoCredential:
		return http.StatusServiceUnavailable
	case api.ErrorTypeUpstream, api.ErrorTypeRequest, api.ErrorTypeAuthentication:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse writes a JSON error body with the given status code.
func WriteErrorResponse(w http.ResponseWriter, apiErr *api.APIError, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}

// WriteAPIError writes an APIError response, deriving the status code from
// the error type.
func WriteAPIError(w http.ResponseWriter, apiErr *api.APIError) {
	WriteErrorResponse(w, apiErr, HTTPStatusFromError(apiErr))
}
