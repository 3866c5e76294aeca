package main

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/xiaot623/applyrun/internal/adapter/sandbox"
	"github.com/xiaot623/applyrun/internal/domain"
	"go.uber.org/zap"
)

// session is one scripted application attempt.
type session struct {
	id       string
	req      sandbox.StartRequest
	resume   chan struct{}
	released chan struct{}
	once     sync.Once
	stop     sync.Once
}

// Server plays the sandbox side of the desktop protocol: it walks every
// session through log, jd, authGate, waits for continue, then screenshot
// and done.
type Server struct {
	mu       sync.Mutex
	sessions map[string]*session
	step     time.Duration
	vncURL   string
	logger   *zap.Logger
}

// NewServer creates a scripted sandbox. step is the pause between events.
func NewServer(step time.Duration, vncURL string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		sessions: make(map[string]*session),
		step:     step,
		vncURL:   vncURL,
		logger:   logger,
	}
}

// RegisterRoutes registers the sandbox API.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.POST("/sessions", s.StartSession)
	e.GET("/sessions/:session_id/events", s.StreamEvents)
	e.POST("/sessions/:session_id/continue", s.Continue)
	e.DELETE("/sessions/:session_id", s.Release)
}

func (s *Server) get(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// StartSession creates a session.
// POST /sessions
func (s *Server) StartSession(c echo.Context) error {
	var req sandbox.StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.RunID == "" || req.JobURL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "run_id and job_url are required"})
	}

	sess := &session{
		id:       "sess_" + uuid.New().String()[:8],
		req:      req,
		resume:   make(chan struct{}),
		released: make(chan struct{}),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Info("session started",
		zap.String("session_id", sess.id),
		zap.String("run_id", req.RunID),
		zap.String("job_url", req.JobURL))

	return c.JSON(http.StatusOK, sandbox.Session{ID: sess.id, VNCURL: s.vncURL})
}

// Continue resumes a session parked at its auth gate.
// POST /sessions/:session_id/continue
func (s *Server) Continue(c echo.Context) error {
	sess, ok := s.get(c.Param("session_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	sess.once.Do(func() { close(sess.resume) })
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// Release ends a session.
// DELETE /sessions/:session_id
func (s *Server) Release(c echo.Context) error {
	id := c.Param("session_id")
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		sess.stop.Do(func() { close(sess.released) })
		s.logger.Info("session released", zap.String("session_id", id))
	}
	return c.NoContent(http.StatusNoContent)
}

// StreamEvents plays the session script as SSE.
// GET /sessions/:session_id/events
func (s *Server) StreamEvents(c echo.Context) error {
	sess, ok := s.get(c.Param("session_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	ctx := c.Request().Context()

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	seq := 0
	send := func(ev domain.RunEvent) error {
		data, err := domain.Encode(domain.Stamp(ev, time.Now()))
		if err != nil {
			return err
		}
		seq++
		w := c.Response().Writer
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, ev.Type(), data); err != nil {
			return err
		}
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		return nil
	}
	pause := func() bool {
		select {
		case <-time.After(s.step):
			return true
		case <-sess.released:
			return false
		case <-ctx.Done():
			return false
		}
	}

	provider := domain.InferProvider(sess.req.JobURL)
	before := []domain.RunEvent{
		domain.LogEvent{Level: domain.LogLevelInfo, Message: "opening " + sess.req.JobURL},
		domain.JDEvent{Text: "Job description captured from " + sess.req.JobURL},
		domain.AuthGateEvent{
			Provider:     provider,
			URL:          sess.req.JobURL,
			Instructions: fmt.Sprintf("Sign in to %s in the desktop, then continue.", provider),
		},
	}
	for _, ev := range before {
		if !pause() {
			return nil
		}
		if err := send(ev); err != nil {
			return nil
		}
	}

	select {
	case <-sess.resume:
	case <-sess.released:
		return nil
	case <-ctx.Done():
		return nil
	}

	after := []domain.RunEvent{
		domain.LogEvent{Level: domain.LogLevelInfo, Message: "filling application form"},
		domain.ScreenshotEvent{URL: "https://sandbox.local/screens/" + sess.id + "/review.png"},
		domain.DoneEvent{OK: true, ReceiptURL: "https://sandbox.local/receipts/" + sess.id},
	}
	for _, ev := range after {
		if !pause() {
			return nil
		}
		if err := send(ev); err != nil {
			return nil
		}
	}

	s.logger.Info("session finished", zap.String("session_id", sess.id))
	return nil
}
