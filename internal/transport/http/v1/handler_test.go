package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/applyrun/internal/config"
	"github.com/xiaot623/applyrun/internal/domain"
	"github.com/xiaot623/applyrun/internal/policy"
	"github.com/xiaot623/applyrun/internal/service"
	"github.com/xiaot623/applyrun/internal/testutil"
)

func newTestHandler(t *testing.T) (*Handler, *service.Service) {
	t.Helper()

	store := testutil.NewSeededStore(t)
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.SubscriberBuffer = 16
	svc := service.New(store, nil, nil, engine, cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	return NewHandler(svc, time.Second, nil), svc
}

func startRun(t *testing.T, h *Handler) string {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/jobs/job-42/tailor/desktop/start", bytes.NewBufferString(`{"profileId":"prof-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/jobs/:job_id/tailor/desktop/start")
	c.SetParamNames("job_id")
	c.SetParamValues("job-42")

	require.NoError(t, h.StartDesktopRun(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["runId"])
	return resp["runId"]
}

func runContext(method, path, runID string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, strings.Replace(path, ":run_id", runID, 1), nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath(path)
	c.SetParamNames("run_id")
	c.SetParamValues(runID)
	return c, rec
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.Health(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestStartDesktopRun(t *testing.T) {
	h, svc := newTestHandler(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/jobs/job-42/tailor/desktop/start", bytes.NewBufferString(`{"profileId":"prof-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/jobs/:job_id/tailor/desktop/start")
	c.SetParamNames("job_id")
	c.SetParamValues("job-42")

	require.NoError(t, h.StartDesktopRun(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp["runId"], "run_"))
	assert.Contains(t, resp["vncUrl"], "vnc.html")

	run, err := svc.GetRun(context.Background(), resp["runId"])
	require.NoError(t, err)
	assert.Equal(t, "job-42", run.JobID)
	assert.Equal(t, "prof-1", run.ProfileID)
}

func TestStartDesktopRun_UnknownJob(t *testing.T) {
	h, _ := newTestHandler(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/jobs/nope/tailor/desktop/start", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/jobs/:job_id/tailor/desktop/start")
	c.SetParamNames("job_id")
	c.SetParamValues("nope")

	require.NoError(t, h.StartDesktopRun(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_reference", resp["code"])
}

func TestGetRun(t *testing.T) {
	h, _ := newTestHandler(t)
	runID := startRun(t, h)

	c, rec := runContext(http.MethodGet, "/runs/:run_id", runID)
	require.NoError(t, h.GetRun(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var run domain.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, runID, run.ID)

	c, rec = runContext(http.MethodGet, "/runs/:run_id", "run_missing")
	require.NoError(t, h.GetRun(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns(t *testing.T) {
	h, _ := newTestHandler(t)
	startRun(t, h)
	startRun(t, h)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/runs?job_id=job-42&limit=10", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.ListRuns(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Runs []domain.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Runs, 2)

	req = httptest.NewRequest(http.MethodGet, "/runs?limit=abc", nil)
	rec = httptest.NewRecorder()
	require.NoError(t, h.ListRuns(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContinueRun(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()
	runID := startRun(t, h)

	c, rec := runContext(http.MethodPost, "/runs/:run_id/continue", runID)
	require.NoError(t, h.ContinueRun(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"released":false}`, rec.Body.String())

	_, err := svc.Ingest(ctx, runID, domain.GateEvent{Prompt: "review"})
	require.NoError(t, err)

	c, rec = runContext(http.MethodPost, "/runs/:run_id/continue", runID)
	require.NoError(t, h.ContinueRun(c))
	assert.JSONEq(t, `{"ok":true,"released":true}`, rec.Body.String())

	run, err := svc.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateRunning, run.State)

	c, rec = runContext(http.MethodPost, "/runs/:run_id/continue", runID)
	require.NoError(t, h.ContinueRun(c))
	assert.JSONEq(t, `{"ok":true,"released":false}`, rec.Body.String())

	c, rec = runContext(http.MethodPost, "/runs/:run_id/continue", "run_missing")
	require.NoError(t, h.ContinueRun(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRun(t *testing.T) {
	h, svc := newTestHandler(t)
	runID := startRun(t, h)

	c, rec := runContext(http.MethodPost, "/runs/:run_id/cancel", runID)
	require.NoError(t, h.CancelRun(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	run, err := svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateFailed, run.State)
	assert.Equal(t, domain.FailureCancelled, run.FailureReason)
}

func TestGetPayload(t *testing.T) {
	h, _ := newTestHandler(t)
	runID := startRun(t, h)

	c, rec := runContext(http.MethodGet, "/runs/:run_id/payload", runID)
	require.NoError(t, h.GetPayload(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var payload domain.Payload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, runID, payload.RunID)
	assert.Equal(t, "job-42", payload.JobID)
	assert.Equal(t, "Ada Lovelace", payload.TailoredResume.Name)
}

func TestStreamRunEvents(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()
	runID := startRun(t, h)

	_, err := svc.Ingest(ctx, runID, domain.LogEvent{Message: "opening form", Level: domain.LogLevelInfo})
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, runID, domain.DoneEvent{OK: true})
	require.NoError(t, err)

	c, rec := runContext(http.MethodGet, "/runs/:run_id/events", runID)
	require.NoError(t, h.StreamRunEvents(c))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, ": connected\n\n"))
	assert.Contains(t, body, "id: 1\nevent: vnc\n")
	assert.Contains(t, body, "id: 2\nevent: log\ndata: ")
	assert.Contains(t, body, `"message":"opening form"`)
	assert.Contains(t, body, "id: 3\nevent: done\n")
	assert.Less(t, strings.Index(body, "event: log"), strings.Index(body, "event: done"))
}

func TestStreamRunEvents_UnknownRun(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := runContext(http.MethodGet, "/runs/:run_id/events", "run_missing")
	require.NoError(t, h.StreamRunEvents(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWatchRun(t *testing.T) {
	h, svc := newTestHandler(t)
	runID := startRun(t, h)

	e := echo.New()
	h.RegisterRoutes(e)
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/runs/" + runID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, err = svc.Ingest(context.Background(), runID, domain.DoneEvent{OK: true, ReceiptURL: "https://example.com/receipt"})
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var got []domain.EventType
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		ev, err := domain.Decode(data)
		require.NoError(t, err)
		got = append(got, ev.Type())
	}
	assert.Equal(t, []domain.EventType{domain.EventTypeVNC, domain.EventTypeDone}, got)
}
