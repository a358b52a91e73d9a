// ABOUTME: JSON response helpers and taxonomy error mapping for the console API
// ABOUTME: Maps sentinel errors onto structured status+code bodies

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"log/slog"

	"github.com/2389/console-gateway/internal/auth"
	"github.com/2389/console-gateway/internal/gate"
	"github.com/2389/console-gateway/internal/task"
)

// errorBody is the structured error shape shared by all endpoints, so
// clients can branch on code without parsing messages.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeTaxonomyError maps a sentinel error onto its HTTP status and error
// code. Unknown errors become opaque 500s.
func writeTaxonomyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "ProviderNotFound", err.Error())
	case errors.Is(err, auth.ErrTrustedProviderDirectUse):
		writeError(w, http.StatusForbidden, "TrustedProviderDirectUseForbidden", err.Error())
	case errors.Is(err, auth.ErrTooManySessions):
		writeError(w, http.StatusConflict, "TooManySessions", err.Error())
	case errors.Is(err, auth.ErrAttemptExpired):
		writeError(w, http.StatusGone, "AuthAttemptExpired", err.Error())
	case errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrSessionExpired):
		writeError(w, http.StatusUnauthorized, gate.CodeSessionExpired, "session expired, re-authenticate")
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, gate.CodeAccessDenied, "invalid token")
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "TaskNotFound", err.Error())
	default:
		slog.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "", "internal error")
	}
}
