// Package sandbox is the HTTP client for the desktop automation sandbox.
package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	ID    string
	Event string
	Data  string
}

// EventHandler is called for each SSE event from the sandbox.
type EventHandler func(event SSEEvent) error

// StartRequest asks the sandbox to begin an application session.
type StartRequest struct {
	RunID     string `json:"run_id"`
	JobURL    string `json:"job_url"`
	ResumeURL string `json:"resume_url,omitempty"`
}

// Session is a running sandbox session.
type Session struct {
	ID     string `json:"session_id"`
	VNCURL string `json:"vnc_url,omitempty"`
}

// Client talks to one sandbox endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	streamHTTP *http.Client
}

// NewClient creates a new sandbox client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		// streams live as long as the run; ctx bounds them
		streamHTTP: &http.Client{},
	}
}

// Start creates a sandbox session for a run.
func (c *Client) Start(ctx context.Context, req StartRequest) (*Session, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/sessions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if session.ID == "" {
		return nil, fmt.Errorf("sandbox returned empty session id")
	}
	return &session, nil
}

// Resume tells a paused session to continue after a gate.
func (c *Client) Resume(ctx context.Context, sessionID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/continue", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Release tears a session down.
func (c *Client) Release(ctx context.Context, sessionID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call sandbox: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return resp, nil
}

// Stream consumes a session's event stream until it ends, ctx is cancelled,
// or the handler returns an error.
func (c *Client) Stream(ctx context.Context, sessionID string, handler EventHandler) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/sessions/"+url.PathEscape(sessionID)+"/events", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamHTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return ParseSSE(resp.Body, handler)
}

// ParseSSE parses an SSE stream and calls the handler for each event.
func ParseSSE(reader io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
			}
			event = SSEEvent{}
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		case strings.HasPrefix(line, "id:"):
			event.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		}
		// comments (":") and unknown fields are ignored
	}

	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}
