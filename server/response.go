package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/macrodyne/autod/errors"
	"github.com/macrodyne/autod/logger"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Debugw("Failed to encode response", "error", err)
	}
}

// writeError writes the consistent {error, message} failure shape
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}

// writeErr maps sentinel error kinds onto HTTP statuses. Unknown errors are
// 500 with a sanitized message; the full error is logged, never returned.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errors.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errors.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, errors.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, errors.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, errors.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		logger.Errorw("Handler error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// readJSON reads and decodes a JSON request body
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return err
	}
	return nil
}

// shortID truncates an ID to 8 characters for logging
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
