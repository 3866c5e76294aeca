package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/xiaot623/applyrun/internal/domain"
)

var (
	timeColor  = color.New(color.FgHiBlack)
	infoColor  = color.New(color.FgCyan)
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed, color.Bold)
	gateColor  = color.New(color.FgMagenta, color.Bold)
	okColor    = color.New(color.FgGreen, color.Bold)
)

// wsURL turns the external API base URL into the run's WebSocket endpoint.
func wsURL(server, runID string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/runs/" + url.PathEscape(runID) + "/ws"
	return u.String(), nil
}

// Watch prints a run's events until done or ctx ends.
func Watch(ctx context.Context, server, runID string, out io.Writer) error {
	addr, err := wsURL(server, runID)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		ev, err := domain.Decode(data)
		if err != nil {
			fmt.Fprintf(out, "? %s\n", data)
			continue
		}
		fmt.Fprintln(out, formatEvent(ev))
		if ev.Type() == domain.EventTypeDone {
			return nil
		}
	}
}

func formatEvent(ev domain.RunEvent) string {
	ts := ev.Timestamp()
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		ts = t.Local().Format("15:04:05")
	}
	prefix := timeColor.Sprint(ts) + " "

	switch e := ev.(type) {
	case domain.LogEvent:
		switch e.Level {
		case domain.LogLevelWarn:
			return prefix + warnColor.Sprint("WRN ") + e.Message
		case domain.LogLevelError:
			return prefix + errorColor.Sprint("ERR ") + e.Message
		default:
			return prefix + infoColor.Sprint("INF ") + e.Message
		}
	case domain.ScreenshotEvent:
		return prefix + timeColor.Sprint("IMG ") + e.URL
	case domain.GateEvent:
		return prefix + gateColor.Sprint("GATE ") + e.Prompt + timeColor.Sprint("  (runctl continue)")
	case domain.AuthGateEvent:
		return prefix + gateColor.Sprint("AUTH ") + fmt.Sprintf("%s login required", e.Provider) + timeColor.Sprint("  (runctl continue)")
	case domain.VNCEvent:
		return prefix + infoColor.Sprint("VNC ") + e.URL
	case domain.JDEvent:
		return prefix + infoColor.Sprint("JD  ") + firstLine(e.Text, 80)
	case domain.DoneEvent:
		if e.OK {
			line := prefix + okColor.Sprint("DONE ") + "completed"
			if e.ReceiptURL != "" {
				line += " " + e.ReceiptURL
			}
			return line
		}
		return prefix + errorColor.Sprint("DONE ") + "failed: " + string(e.Reason)
	default:
		return prefix + string(ev.Type())
	}
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

func printRun(out io.Writer, run *domain.Run) {
	state := string(run.State)
	switch run.State {
	case domain.RunStateCompleted:
		state = okColor.Sprint(state)
	case domain.RunStateFailed:
		state = errorColor.Sprint(state)
	case domain.RunStateGated:
		state = gateColor.Sprint(state)
	}

	fmt.Fprintf(out, "run:     %s\n", run.ID)
	fmt.Fprintf(out, "job:     %s\n", run.JobID)
	fmt.Fprintf(out, "profile: %s\n", run.ProfileID)
	fmt.Fprintf(out, "state:   %s\n", state)
	fmt.Fprintf(out, "events:  %d\n", run.EventCount)
	if run.FailureReason != "" {
		fmt.Fprintf(out, "reason:  %s\n", run.FailureReason)
	}
	if run.VNCURL != "" {
		fmt.Fprintf(out, "vnc:     %s\n", run.VNCURL)
	}
	if run.ReceiptURL != "" {
		fmt.Fprintf(out, "receipt: %s\n", run.ReceiptURL)
	}
}
