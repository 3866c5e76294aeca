package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/applyrun/internal/domain"
	"github.com/xiaot623/applyrun/internal/transport/http/httperr"
	"go.uber.org/zap"
)

// StartRunRequest is the optional body of the start route.
type StartRunRequest struct {
	ProfileID string `json:"profileId"`
}

// StartDesktopRun starts a run for a job.
// POST /jobs/:job_id/tailor/desktop/start
func (h *Handler) StartDesktopRun(c echo.Context) error {
	var req StartRunRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body", "code": "bad_request"})
		}
	}

	res, err := h.service.StartRun(c.Request().Context(), c.Param("job_id"), req.ProfileID)
	if err != nil {
		h.logError("start run failed", err, zap.String("job_id", c.Param("job_id")))
		return httperr.Write(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// GetRun returns a run snapshot.
// GET /runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		h.logError("get run failed", err, zap.String("run_id", c.Param("run_id")))
		return httperr.Write(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ListRuns lists runs, newest first.
// GET /runs?job_id=&limit=
func (h *Handler) ListRuns(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit", "code": "bad_request"})
		}
		limit = n
	}

	runs, err := h.service.ListRuns(c.Request().Context(), c.QueryParam("job_id"), limit)
	if err != nil {
		h.logError("list runs failed", err)
		return httperr.Write(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

// ContinueRun releases the run's gate. Duplicate continues and continues on
// finished runs are acknowledged without effect.
// POST /runs/:run_id/continue
func (h *Handler) ContinueRun(c echo.Context) error {
	res, err := h.service.ContinueRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		if errors.Is(err, domain.ErrNoActiveGate) || errors.Is(err, domain.ErrRunAlreadyTerminal) {
			return c.JSON(http.StatusOK, map[string]bool{"ok": true, "released": false})
		}
		h.logError("continue run failed", err, zap.String("run_id", c.Param("run_id")))
		return httperr.Write(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true, "released": res.Released})
}

// CancelRun ends a run as failed.
// POST /runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	if err := h.service.CancelRun(c.Request().Context(), c.Param("run_id")); err != nil {
		h.logError("cancel run failed", err, zap.String("run_id", c.Param("run_id")))
		return httperr.Write(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// GetPayload returns the form-fill payload for a run.
// GET /runs/:run_id/payload
func (h *Handler) GetPayload(c echo.Context) error {
	payload, err := h.service.Payload(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		h.logError("get payload failed", err, zap.String("run_id", c.Param("run_id")))
		return httperr.Write(c, err)
	}
	return c.JSON(http.StatusOK, payload)
}

func (h *Handler) logError(msg string, err error, fields ...zap.Field) {
	if status, _ := httperr.Status(err); status >= http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		return
	}
	h.logger.Debug(msg, append(fields, zap.Error(err))...)
}
