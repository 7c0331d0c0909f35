package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/mqttstream/internal/infrastructure/mqtt"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeValidation  = "validation_error"
	ErrCodeInternal    = "internal_error"
	ErrCodeUnavailable = "broker_unavailable"
	ErrCodeTimeout     = "timeout"
	ErrCodeBadGateway  = "broker_error"
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

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeMQTTError maps a client error onto an HTTP status:
//   - invalid input: 400
//   - no usable connection: 503
//   - no acknowledgement in time: 504
//   - anything the broker or transport reported: 502
func writeMQTTError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mqtt.ErrInvalidTopic),
		errors.Is(err, mqtt.ErrInvalidFilter),
		errors.Is(err, mqtt.ErrInvalidQoS),
		errors.Is(err, mqtt.ErrPayloadTooLarge):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, mqtt.ErrNotConnected),
		errors.Is(err, mqtt.ErrConnectionLost),
		errors.Is(err, mqtt.ErrDisconnected),
		errors.Is(err, mqtt.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case errors.Is(err, mqtt.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	default:
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, err.Error())
	}
}
