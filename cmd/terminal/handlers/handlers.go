// Package handlers provides the localhost REST API the terminal UI talks to.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/appgrav/poscore/internal/errors"
)

// writeJSON writes v as the JSON response body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps an AppError code to an HTTP status and writes a JSON error
// body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.ErrInvalid, errors.ErrValidation, errors.ErrUnknownEntity:
		status = http.StatusBadRequest
	case errors.ErrNotFound, errors.ErrEnvelopeNotFound:
		status = http.StatusNotFound
	case errors.ErrQueueFull:
		status = http.StatusTooManyRequests
	case errors.ErrHubAlreadyActive, errors.ErrHubNotRunning:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]interface{}{
		"error":   string(errors.CodeOf(err)),
		"message": err.Error(),
	})
}
