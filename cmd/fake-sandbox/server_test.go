package main

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/applyrun/internal/adapter/sandbox"
	"github.com/xiaot623/applyrun/internal/config"
	"github.com/xiaot623/applyrun/internal/domain"
	"github.com/xiaot623/applyrun/internal/service"
	"github.com/xiaot623/applyrun/internal/testutil"
)

func newSandbox(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(5*time.Millisecond, "http://vnc.local/vnc.html", nil)
	e := echo.New()
	srv.RegisterRoutes(e)
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestScriptedSession(t *testing.T) {
	_, ts := newSandbox(t)
	client := sandbox.NewClient(ts.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := client.Start(ctx, sandbox.StartRequest{RunID: "run_1", JobURL: "https://acme.wd5.myworkdayjobs.com/job/1"})
	require.NoError(t, err)
	assert.Equal(t, "http://vnc.local/vnc.html", sess.VNCURL)

	var got []domain.EventType
	err = client.Stream(ctx, sess.ID, func(frame sandbox.SSEEvent) error {
		ev, err := domain.Decode([]byte(frame.Data))
		if err != nil {
			return err
		}
		got = append(got, ev.Type())
		if auth, ok := ev.(domain.AuthGateEvent); ok {
			assert.Equal(t, domain.ProviderWorkday, auth.Provider)
			go func() { _ = client.Resume(ctx, sess.ID) }()
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []domain.EventType{
		domain.EventTypeLog,
		domain.EventTypeJD,
		domain.EventTypeAuthGate,
		domain.EventTypeLog,
		domain.EventTypeScreenshot,
		domain.EventTypeDone,
	}, got)

	require.NoError(t, client.Release(ctx, sess.ID))
	assert.Error(t, client.Resume(ctx, sess.ID))
}

func TestStartSession_Validation(t *testing.T) {
	_, ts := newSandbox(t)
	client := sandbox.NewClient(ts.URL)

	_, err := client.Start(context.Background(), sandbox.StartRequest{RunID: "run_1"})
	assert.Error(t, err)
}

func TestPullModeRunAgainstSandbox(t *testing.T) {
	_, ts := newSandbox(t)

	store := testutil.NewSeededStore(t)
	cfg := config.Default()
	cfg.DesktopNoVNC = ""
	svc := service.New(store, sandbox.NewClient(ts.URL), nil, nil, cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	ctx := context.Background()
	res, err := svc.StartRun(ctx, "job-42", "prof-1")
	require.NoError(t, err)

	sub, err := svc.Subscribe(ctx, res.RunID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, err := svc.GetRun(ctx, res.RunID)
		return err == nil && run.State == domain.RunStateGated
	}, 3*time.Second, 10*time.Millisecond)

	cont, err := svc.ContinueRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.True(t, cont.Released)

	var got []domain.EventType
	timeout := time.After(5 * time.Second)
loop:
	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				break loop
			}
			got = append(got, env.Event.Type())
		case <-timeout:
			t.Fatalf("run did not finish, got %v", got)
		}
	}

	assert.Equal(t, []domain.EventType{
		domain.EventTypeVNC,
		domain.EventTypeLog,
		domain.EventTypeJD,
		domain.EventTypeAuthGate,
		domain.EventTypeLog,
		domain.EventTypeScreenshot,
		domain.EventTypeDone,
	}, got)

	run, err := svc.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateCompleted, run.State)
	assert.Contains(t, run.ReceiptURL, "https://sandbox.local/receipts/")
	assert.Equal(t, "http://vnc.local/vnc.html", run.VNCURL)
}
