package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"agentd/internal/runtime"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// statusForError maps runtime errors to HTTP statuses. Everything not
// classified as a caller problem or capacity problem is a 500.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, runtime.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, runtime.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, runtime.ErrStatePersistence):
		return http.StatusInternalServerError, "state_persistence_error"
	case errors.Is(err, runtime.ErrComputation):
		return http.StatusInternalServerError, "computation_error"
	case errors.Is(err, runtime.ErrDelivery):
		return http.StatusInternalServerError, "delivery_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
