package v1

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/xiaot623/applyrun/internal/domain"
	"github.com/xiaot623/applyrun/internal/transport/http/httperr"
	"go.uber.org/zap"
)

// StreamRunEvents streams a run's events via SSE: the backlog first, then
// live events, closing after done.
// GET /runs/:run_id/events
func (h *Handler) StreamRunEvents(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	sub, err := h.service.Subscribe(ctx, runID)
	if err != nil {
		return httperr.Write(c, err)
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	if err := h.writeComment(c, "connected"); err != nil {
		return nil
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil && !errors.Is(err, context.Canceled) {
					h.logger.Info("event stream closed early", zap.String("run_id", runID), zap.Error(err))
				}
				return nil
			}
			if err := h.sendSSEEvent(c, env); err != nil {
				h.logger.Debug("failed to send SSE event", zap.String("run_id", runID), zap.Error(err))
				return nil
			}
		case <-ticker.C:
			if err := h.writeComment(c, "ping"); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// sendSSEEvent writes one envelope: id is the sequence number, event the
// type tag, data the JSON-encoded event.
func (h *Handler) sendSSEEvent(c echo.Context, env domain.Envelope) error {
	data, err := domain.Encode(env.Event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	w := c.Response().Writer
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", env.Seq, env.Event.Type(), data); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func (h *Handler) writeComment(c echo.Context, text string) error {
	w := c.Response().Writer
	if _, err := fmt.Fprintf(w, ": %s\n\n", text); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// WatchRun streams a run's events over a WebSocket, one JSON event per text
// message, and closes after done.
// GET /runs/:run_id/ws
func (h *Handler) WatchRun(c echo.Context) error {
	runID := c.Param("run_id")

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := h.service.Subscribe(ctx, runID)
	if err != nil {
		cancel()
		return httperr.Write(c, err)
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		cancel()
		h.logger.Warn("failed to upgrade websocket", zap.String("run_id", runID), zap.Error(err))
		return nil
	}

	go h.readPump(ws, cancel)
	go h.writePump(ws, sub.Events(), cancel)
	return nil
}

// readPump discards client frames and cancels the subscription when the
// client goes away.
func (h *Handler) readPump(ws *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(2 * h.heartbeat))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * h.heartbeat))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(ws *websocket.Conn, events <-chan domain.Envelope, cancel context.CancelFunc) {
	ticker := time.NewTicker(h.heartbeat)
	defer func() {
		ticker.Stop()
		cancel()
		ws.Close()
	}()

	for {
		select {
		case env, ok := <-events:
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return
			}
			data, err := domain.Encode(env.Event)
			if err != nil {
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
