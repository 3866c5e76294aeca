// Package httperr maps domain errors onto HTTP responses.
package httperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/applyrun/internal/domain"
)

// Status returns the HTTP status and machine-readable code for err.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidReference):
		return http.StatusNotFound, "invalid_reference"
	case errors.Is(err, domain.ErrUnknownRun):
		return http.StatusNotFound, "unknown_run"
	case errors.Is(err, domain.ErrRunRejected):
		return http.StatusUnprocessableEntity, "run_rejected"
	case errors.Is(err, domain.ErrMalformedEvent):
		return http.StatusBadRequest, "malformed_event"
	case errors.Is(err, domain.ErrRunAlreadyTerminal):
		return http.StatusGone, "run_terminal"
	case errors.Is(err, domain.ErrNoActiveGate):
		return http.StatusConflict, "no_active_gate"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// Write sends err as a JSON error body.
func Write(c echo.Context, err error) error {
	status, code := Status(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return c.JSON(status, map[string]string{"error": msg, "code": code})
}
