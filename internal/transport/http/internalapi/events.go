package internalapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/applyrun/internal/domain"
	"github.com/xiaot623/applyrun/internal/transport/http/httperr"
	"go.uber.org/zap"
)

const (
	maxEventBytes   = 1 << 20
	defaultGateWait = 30 * time.Second
	maxGateWait     = 5 * time.Minute
)

// PostEvent accepts one wire-encoded event from a producer.
// POST /internal/runs/:run_id/events
func (h *Handler) PostEvent(c echo.Context) error {
	runID := c.Param("run_id")

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEventBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read body", "code": "bad_request"})
	}

	ev, err := domain.Decode(body)
	if err != nil {
		h.logger.Warn("rejected malformed event", zap.String("run_id", runID), zap.Error(err))
		return httperr.Write(c, err)
	}

	env, err := h.service.Ingest(c.Request().Context(), runID, ev)
	if err != nil {
		if errors.Is(err, domain.ErrRunAlreadyTerminal) {
			return c.JSON(http.StatusAccepted, map[string]interface{}{"accepted": false})
		}
		return httperr.Write(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"accepted": true,
		"seq":      env.Seq,
	})
}

// Disconnect reports that the run's producer went away. The run fails once
// the disconnect grace elapses without a done event.
// POST /internal/runs/:run_id/disconnect
func (h *Handler) Disconnect(c echo.Context) error {
	runID := c.Param("run_id")
	if err := h.service.ProducerDisconnected(c.Request().Context(), runID); err != nil {
		if errors.Is(err, domain.ErrRunAlreadyTerminal) {
			return c.JSON(http.StatusOK, map[string]bool{"ok": true})
		}
		return httperr.Write(c, err)
	}
	h.logger.Info("producer disconnected", zap.String("run_id", runID))
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// WaitGate long-polls the run's outstanding gate.
// POST /internal/runs/:run_id/gate/wait?timeout_ms=
func (h *Handler) WaitGate(c echo.Context) error {
	timeout := defaultGateWait
	if raw := c.QueryParam("timeout_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid timeout_ms", "code": "bad_request"})
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	if timeout > maxGateWait {
		timeout = maxGateWait
	}

	released, err := h.service.WaitGate(c.Request().Context(), c.Param("run_id"), timeout)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrGateTimeout), errors.Is(err, domain.ErrSandboxDisconnected):
			return c.JSON(http.StatusGone, map[string]string{"error": err.Error(), "code": "run_terminal"})
		}
		return httperr.Write(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"released": released})
}

// CancelRun ends a run on the producer's behalf.
// POST /internal/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	if err := h.service.CancelRun(c.Request().Context(), c.Param("run_id")); err != nil {
		return httperr.Write(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
