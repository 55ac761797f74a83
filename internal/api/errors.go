package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/store"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// leaking their types to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case store.IsDuplicateError(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err.
func GetSafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return "An unexpected error occurred"
	case errors.Is(err, domain.ErrValidation), errors.Is(err, store.ErrInvalidEntity):
		return "Invalid request parameters"
	case errors.Is(err, store.ErrNotFound):
		return "Not found"
	case store.IsDuplicateError(err):
		return "Already exists"
	default:
		return "An unexpected error occurred"
	}
}
