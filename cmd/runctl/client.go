package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/applyrun/internal/domain"
	"github.com/xiaot623/applyrun/internal/service"
)

// Client talks to the applyrun external API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, status %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

// Start starts a run for jobID.
func (c *Client) Start(ctx context.Context, jobID, profileID string) (*service.StartResult, error) {
	var body []byte
	if profileID != "" {
		body, _ = json.Marshal(map[string]string{"profileId": profileID})
	}
	var res service.StartResult
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/tailor/desktop/start", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Continue releases a run's gate and reports whether one was waiting.
func (c *Client) Continue(ctx context.Context, runID string) (bool, error) {
	var res struct {
		Released bool `json:"released"`
	}
	if err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/continue", nil, &res); err != nil {
		return false, err
	}
	return res.Released, nil
}

// Cancel cancels a run.
func (c *Client) Cancel(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

// Status fetches a run snapshot.
func (c *Client) Status(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
