// Package client is the Go SDK for the EventRelay HTTP API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Submit one event
//	ok, err := c.Submit(ctx, client.Envelope{
//	    Type:  "user_registration",
//	    Email: "ada@example.com",
//	    Fields: map[string]string{"plan": "pro"},
//	})
//
//	// Drive the pipeline from an external scheduler
//	report, err := c.Drain(ctx)
//	swept, err := c.Sweep(ctx)
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code, except that a rejected envelope is reported as accepted=false
// with a nil error. Check errors.As(err, &client.APIError{}) to inspect the
// HTTP status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the EventRelay server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("eventrelay: server returned %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether the error is a 401 from the server.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// IsRateLimited reports whether the error is a 429 from the server.
func IsRateLimited(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusTooManyRequests
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the EventRelay API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the EventRelay server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("https://relay.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// Envelope is an event to deliver.
type Envelope struct {
	Type    string            `json:"type"`
	Email   string            `json:"email"`
	Fields  map[string]string `json:"fields,omitempty"`
	Details map[string]any    `json:"details,omitempty"`
}

// DeadLetter is an archived event that exhausted its retries.
type DeadLetter struct {
	ID           string   `json:"id"`
	Event        Envelope `json:"event_data"`
	AttemptCount int      `json:"attempt_count"`
	Created      int64    `json:"created"`
	LastAttempt  int64    `json:"last_attempt"`
	ErrorMessage string   `json:"error_message"`
	MovedToDLQ   int64    `json:"moved_to_dlq"`
	FinalError   string   `json:"final_error"`
}

// MovedAt returns when the event was archived.
func (d *DeadLetter) MovedAt() time.Time { return time.Unix(d.MovedToDLQ, 0).UTC() }

// Stats is the pipeline snapshot returned by Stats.
type Stats struct {
	ScheduledRetries    int64 `json:"scheduled_retries"`
	DeadLetterQueueSize int64 `json:"dead_letter_queue_size"`
	MaxAttempts         int   `json:"max_attempts"`
	QueueDepth          int64 `json:"queue_depth"`
	// Guard is nil when the server could not read its guard state.
	Guard *GuardStatus `json:"guard,omitempty"`
}

// GuardStatus reports the outbound rate counters and circuit breaker.
type GuardStatus struct {
	RequestsThisMinute int64 `json:"requests_this_minute"`
	RequestsThisHour   int64 `json:"requests_this_hour"`
	BreakerOpen        bool  `json:"circuit_breaker_open"`
	BreakerOpenedAt    int64 `json:"circuit_breaker_opened_at,omitempty"`
	BreakerFailures    int64 `json:"circuit_breaker_failures"`
}

// DrainReport counts the outcomes of one worker batch.
type DrainReport struct {
	Claimed      int `json:"claimed"`
	Delivered    int `json:"delivered"`
	Rescheduled  int `json:"rescheduled"`
	DeadLettered int `json:"dead_lettered"`
	Discarded    int `json:"discarded"`
	Leased       int `json:"leased"`
}

// SweepResult reports one retry sweep.
type SweepResult struct {
	Promoted int `json:"promoted"`
	Reaped   int `json:"reaped"`
}

// HealthInfo is returned by Health.
type HealthInfo struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

// ─── Submission ───────────────────────────────────────────────────────────────

// Submit sends one envelope. It returns false with a nil error when the
// server rejected the envelope as invalid.
func (c *Client) Submit(ctx context.Context, env Envelope) (bool, error) {
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/events", env, &resp)
	var ae *APIError
	if errors.As(err, &ae) && ae.StatusCode == http.StatusUnprocessableEntity {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Accepted, nil
}

// SubmitBatch sends up to 100 envelopes. The result holds one accepted flag
// per envelope, in order.
func (c *Client) SubmitBatch(ctx context.Context, envs []Envelope) ([]bool, error) {
	var resp struct {
		Results []bool `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/events/batch", map[string]any{"events": envs}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// ─── Triggers ─────────────────────────────────────────────────────────────────

// Drain runs one worker batch on the server.
func (c *Client) Drain(ctx context.Context) (*DrainReport, error) {
	var rep DrainReport
	if err := c.do(ctx, http.MethodPost, "/v1/worker/drain", nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Sweep promotes due retries and reaps expired dead letters on the server.
func (c *Client) Sweep(ctx context.Context) (*SweepResult, error) {
	var res SweepResult
	if err := c.do(ctx, http.MethodPost, "/v1/retries/sweep", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ─── Inspection ───────────────────────────────────────────────────────────────

// Stats returns retry, dead letter and queue depth counts plus guard state.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// DeadLetters lists up to limit archived events, oldest first. limit <= 0
// uses the server default.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	path := "/v1/dead-letters"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var resp struct {
		Items []*DeadLetter `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// ReplayDeadLetters moves up to limit archived events back onto the work
// queue with a fresh attempt count. Returns how many were replayed.
func (c *Client) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	path := "/v1/dead-letters/replay"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var resp struct {
		Replayed int `json:"replayed"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Replayed, nil
}

// Health returns server health information.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var h HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("eventrelay: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("eventrelay: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("eventrelay: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("eventrelay: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("eventrelay: decode response: %w", err)
		}
	}
	return nil
}
