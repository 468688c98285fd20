// Package fedrelaysdk is a minimal HTTP client for the relay API, covering
// the participant loop (poll, ack, report progress) and the coordinator's
// run control calls.
package fedrelaysdk

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
)

type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: 10 * time.Second,
	}
}

// Site is a registered relay participant.
type Site struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Run mirrors the API run model.
type Run struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	State         string  `json:"state"`
	Quorum        string  `json:"quorum"`
	CreatedAt     string  `json:"created_at"`
	StartedAt     *string `json:"started_at,omitempty"`
	EndedAt       *string `json:"ended_at,omitempty"`
	StopDeadline  *string `json:"stop_deadline,omitempty"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

// Message is one mailbox entry. Payload carries opaque JSON bytes.
type Message struct {
	Seq       int64           `json:"seq"`
	SenderID  string          `json:"sender_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

// PollResult is one mailbox batch plus the cursor to acknowledge.
type PollResult struct {
	Messages []Message `json:"messages"`
	Next     int64     `json:"next"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterSite registers a site and returns it with its one-time API key.
func (c *Client) RegisterSite(ctx context.Context, name string) (Site, string, error) {
	var resp struct {
		Site   Site   `json:"site"`
		APIKey string `json:"api_key"`
	}
	err := c.do(ctx, http.MethodPost, "v0/sites", map[string]any{"name": name}, &resp)
	return resp.Site, resp.APIKey, err
}

// CreateRun creates a run; the caller must be the project's coordinator.
func (c *Client) CreateRun(ctx context.Context, projectID string) (Run, error) {
	var resp Run
	endpoint := fmt.Sprintf("v0/projects/%s/runs", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// IssueCommand sends a command to a run. start, stop and fail drive the run
// lifecycle; any other type is forwarded verbatim to participant mailboxes.
func (c *Client) IssueCommand(ctx context.Context, runID, cmdType string, parameters any) (Run, error) {
	body := map[string]any{"type": cmdType}
	if parameters != nil {
		body["parameters"] = parameters
	}
	var resp Run
	endpoint := fmt.Sprintf("v0/runs/%s/commands", url.PathEscape(runID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Poll reads mailbox messages after cursor. It never advances the cursor;
// call Ack with the returned Next once the batch is processed.
func (c *Client) Poll(ctx context.Context, runID string, cursor int64, max int) (PollResult, error) {
	endpoint := fmt.Sprintf("v0/runs/%s/messages?cursor=%d", url.PathEscape(runID), cursor)
	if max > 0 {
		endpoint = fmt.Sprintf("%s&max=%d", endpoint, max)
	}
	var resp PollResult
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Ack acknowledges messages up to and including cursor.
func (c *Client) Ack(ctx context.Context, runID string, cursor int64) (Run, error) {
	var resp Run
	endpoint := fmt.Sprintf("v0/runs/%s/messages/ack", url.PathEscape(runID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"cursor": cursor}, &resp)
	return resp, err
}

// ReportProgress reports the caller's task ordinal and status for a run.
func (c *Client) ReportProgress(ctx context.Context, runID string, taskOrdinal int, status string) (Run, error) {
	body := map[string]any{
		"task_ordinal": taskOrdinal,
		"status":       status,
	}
	var resp Run
	endpoint := fmt.Sprintf("v0/runs/%s/progress", url.PathEscape(runID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetRun returns the run with its participant snapshot stripped.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp struct {
		Run Run `json:"run"`
	}
	endpoint := fmt.Sprintf("v0/runs/%s", url.PathEscape(runID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Run, err
}

// Do issues a raw API call for endpoints the typed methods do not cover.
// endpoint is relative to the base URL; body and out are JSON-encoded.
func (c *Client) Do(ctx context.Context, method, endpoint string, body, out any) error {
	return c.do(ctx, method, endpoint, body, out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
