package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/phrazzld/conductor/internal/platform/logger"
	"github.com/phrazzld/conductor/internal/redact"
)

// ErrorResponse defines the standard error response structure.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// respondWithJSON writes data as a JSON response with the given status code.
func respondWithJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.FromContext(r.Context()).Error("failed to encode JSON response", "error", err)
	}
}

// respondWithError writes a sanitized error response and logs the redacted
// cause. 5xx responses log at ERROR, everything else at DEBUG.
func respondWithError(w http.ResponseWriter, r *http.Request, status int, userMessage string, err error) {
	traceID := logger.RequestID(r.Context())

	attrs := []slog.Attr{
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.Int("status_code", status),
		slog.String("user_message", userMessage),
	}
	if err != nil {
		attrs = append(attrs,
			slog.String("error", redact.Error(err)),
			slog.String("error_type", fmt.Sprintf("%T", err)))
	}
	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logger.FromContext(r.Context()).LogAttrs(r.Context(), level, "API error response", attrs...)

	respondWithJSON(w, r, status, ErrorResponse{Error: userMessage, TraceID: traceID})
}

// handleError maps err to a status code and safe message.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	respondWithError(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
}
