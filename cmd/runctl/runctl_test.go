package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/applyrun/internal/domain"
)

func init() {
	color.NoColor = true
}

func TestWSURL(t *testing.T) {
	got, err := wsURL("http://localhost:8000", "run_1")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/runs/run_1/ws", got)

	got, err = wsURL("https://api.example.com/base/", "run_1")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/base/runs/run_1/ws", got)
}

func TestFormatEvent(t *testing.T) {
	ts := "2026-01-02T03:04:05Z"

	assert.Contains(t, formatEvent(domain.LogEvent{Ts: ts, Level: domain.LogLevelWarn, Message: "slow page"}), "WRN slow page")
	assert.Contains(t, formatEvent(domain.GateEvent{Ts: ts, Prompt: "review"}), "GATE review")
	assert.Contains(t, formatEvent(domain.DoneEvent{Ts: ts, OK: false, Reason: domain.FailureGateTimeout}), "failed: gate_timeout")
	assert.Contains(t, formatEvent(domain.DoneEvent{Ts: ts, OK: true, ReceiptURL: "https://r"}), "completed https://r")
	assert.Contains(t, formatEvent(domain.JDEvent{Ts: ts, Text: "Backend Engineer\nAcme"}), "JD  Backend Engineer")
}

func TestClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs/job-42/tailor/desktop/start", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "prof-1", body["profileId"])
		_, _ = w.Write([]byte(`{"runId":"run_abc","vncUrl":"http://vnc"}`))
	})
	mux.HandleFunc("/runs/run_abc/continue", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"released":true}`))
	})
	mux.HandleFunc("/runs/run_abc", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"runId":"run_abc","jobId":"job-42","state":"gated","eventCount":3}`))
	})
	mux.HandleFunc("/runs/run_gone/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"unknown run","code":"unknown_run"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()
	c := NewClient(server.URL + "/")

	res, err := c.Start(ctx, "job-42", "prof-1")
	require.NoError(t, err)
	assert.Equal(t, "run_abc", res.RunID)

	released, err := c.Continue(ctx, "run_abc")
	require.NoError(t, err)
	assert.True(t, released)

	run, err := c.Status(ctx, "run_abc")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateGated, run.State)

	var buf bytes.Buffer
	printRun(&buf, run)
	assert.Contains(t, buf.String(), "state:   gated")

	err = c.Cancel(ctx, "run_gone")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "unknown_run", apiErr.Code)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}
