package server

import (
	"net/http"

	"github.com/teranos/cadence/errors"
)

// ErrInboxDisabled is returned by notification routes when notify.inbox is off
var ErrInboxDisabled = errors.New("notification inbox is disabled")

// statusFor maps the engine's error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.IsValidationError(err), errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsConflictError(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
