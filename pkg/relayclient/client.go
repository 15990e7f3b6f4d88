// Package relayclient is a Go client for a running captcharelay server.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is where a locally started relay listens.
const DefaultBaseURL = "http://localhost:3000"

const maxResponseBytes = 1 << 20

// ErrAdminDisabled is returned by admin calls when the relay has no admin
// secret configured or the client has none to send.
var ErrAdminDisabled = errors.New("relayclient: admin routes unavailable")

// Decision is the relay's verification answer.
type Decision struct {
	Success   bool     `json:"success"`
	Score     *float64 `json:"score"`
	Action    string   `json:"action,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Hostname  string   `json:"hostname,omitempty"`
	Message   string   `json:"message"`
}

// Health is the /health body.
type Health struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Variant   string `json:"variant"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// Stats is the admin verification summary for a window.
type Stats struct {
	Window string `json:"window"`
	Stats  struct {
		Since        time.Time      `json:"since"`
		Total        int            `json:"total"`
		ByOutcome    map[string]int `json:"byOutcome"`
		PassRate     float64        `json:"passRate"`
		AvgScore     *float64       `json:"avgScore"`
		AvgLatencyMs float64        `json:"avgLatencyMs"`
	} `json:"stats"`
}

// StatusError is returned when the relay answers with an unexpected status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay returned %d", e.StatusCode)
	}
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to one relay.
type Client struct {
	BaseURL     string
	AdminSecret string

	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAdminSecret sets the bearer secret sent on admin calls.
func WithAdminSecret(secret string) Option {
	return func(c *Client) { c.AdminSecret = secret }
}

// New creates a client for baseURL (DefaultBaseURL when empty).
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health fetches /health. Any status other than 200 is an error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/health", nil, nil, false)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, body)
	}
	var h Health
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &h, nil
}

// Verify submits token and returns the relay's decision together with the
// HTTP status. 400 and 500 answers still carry a decision; err is set only
// when no decision could be read.
func (c *Client) Verify(ctx context.Context, token string) (*Decision, int, error) {
	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	status, body, err := c.do(ctx, http.MethodPost, "/api/verify-recaptcha", nil, payload, false)
	if err != nil {
		return nil, 0, err
	}

	var d Decision
	if err := json.Unmarshal(body, &d); err != nil || d.Message == "" {
		return nil, status, statusError(status, body)
	}
	return &d, status, nil
}

// Stats fetches the admin verification summary. window is a Go duration
// string; empty selects the relay default.
func (c *Client) Stats(ctx context.Context, window string) (*Stats, error) {
	if c.AdminSecret == "" {
		return nil, ErrAdminDisabled
	}
	q := url.Values{}
	if window != "" {
		q.Set("window", window)
	}

	status, body, err := c.do(ctx, http.MethodGet, "/api/verifications/stats", q, nil, true)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrAdminDisabled
	default:
		return nil, statusError(status, body)
	}

	var s Stats
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &s, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte, admin bool) (int, []byte, error) {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+c.AdminSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func statusError(status int, body []byte) error {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return &StatusError{StatusCode: status, Message: apiErr.Message}
	}
	return &StatusError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}
