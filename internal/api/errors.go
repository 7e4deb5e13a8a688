package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/meshlink-core/internal/auth"
	"github.com/nerrad567/meshlink-core/internal/gateway"
	"github.com/nerrad567/meshlink-core/internal/manager"
	"github.com/nerrad567/meshlink-core/internal/mesh/packet"
	"github.com/nerrad567/meshlink-core/internal/radio"
	"github.com/nerrad567/meshlink-core/internal/transport"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeUpstream     = "upstream_error"
	ErrCodeUnavailable  = "unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// errorStatus maps a domain error to its HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, manager.ErrDeviceNotFound),
		errors.Is(err, gateway.ErrGatewayNotFound),
		errors.Is(err, transport.ErrPortNotFound):
		return http.StatusNotFound, ErrCodeNotFound

	case errors.Is(err, packet.ErrInvalidDestination),
		errors.Is(err, radio.ErrInvalidConfig),
		errors.Is(err, radio.ErrUnknownRegion),
		errors.Is(err, radio.ErrUnknownPreset),
		errors.Is(err, gateway.ErrInvalidConfig),
		errors.Is(err, transport.ErrUnsupported):
		return http.StatusBadRequest, ErrCodeValidation

	case errors.Is(err, gateway.ErrGatewayExists),
		errors.Is(err, transport.ErrConnectInProgress):
		return http.StatusConflict, ErrCodeConflict

	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrTokenInvalid):
		return http.StatusUnauthorized, ErrCodeUnauthorized

	case errors.Is(err, auth.ErrInvalidRole):
		return http.StatusBadRequest, ErrCodeValidation

	case errors.Is(err, manager.ErrSendFailed),
		errors.Is(err, gateway.ErrConnectionFailed),
		errors.Is(err, gateway.ErrNotConnected),
		errors.Is(err, transport.ErrConnectionFailed),
		errors.Is(err, transport.ErrNotConnected),
		errors.Is(err, transport.ErrPermissionDenied),
		errors.Is(err, transport.ErrTimeout),
		errors.Is(err, transport.ErrInvalidResponse),
		errors.Is(err, transport.ErrDiscovery):
		return http.StatusBadGateway, ErrCodeUpstream

	case errors.Is(err, manager.ErrClosed):
		return http.StatusServiceUnavailable, ErrCodeUnavailable

	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeDomainError writes err with the status errorStatus picks. Internal
// errors are logged and replaced by a generic message.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", requestID(r.Context()),
		)
		writeInternalError(w, "internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}
