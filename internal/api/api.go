// Package api exposes the alert review operations over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/KevinTss/nyss/internal/lifecycle"
)

// Handlers wraps the dependencies of the HTTP handlers.
type Handlers struct {
	alerts *lifecycle.Service
}

// NewHandlers creates a handlers instance.
func NewHandlers(alerts *lifecycle.Service) *Handlers {
	return &Handlers{alerts: alerts}
}

// decodeJSON decodes the request body as JSON into the provided value.
// Returns true on success, false on error (and writes error response).
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON writes the value as JSON with appropriate headers.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// requireActor extracts the acting user from the X-User header.
// Returns the value and true if present, empty string and false otherwise
// (and writes error response).
func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := r.Header.Get("X-User")
	if actor == "" {
		http.Error(w, "X-User header is required", http.StatusBadRequest)
		return "", false
	}
	return actor, true
}

// requireIDParam extracts a numeric query parameter.
func requireIDParam(w http.ResponseWriter, r *http.Request, paramName string) (int64, bool) {
	value := r.URL.Query().Get(paramName)
	if value == "" {
		http.Error(w, paramName+" query parameter is required", http.StatusBadRequest)
		return 0, false
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, paramName+" must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// handleServiceError maps lifecycle errors to HTTP responses. Returns true
// if the error was handled.
func handleServiceError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, lifecycle.ErrAlertNotFound), errors.Is(err, lifecycle.ErrReportNotInAlert):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, lifecycle.ErrWrongAlertStatus),
		errors.Is(err, lifecycle.ErrWrongReportStatus),
		errors.Is(err, lifecycle.ErrThresholdNotReached),
		errors.Is(err, lifecycle.ErrPossibleEscalation):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("Request failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
	return true
}
