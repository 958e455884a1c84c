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
	"strings"
	"time"

	"github.com/dusancv22/CC-Release-Monitor/internal/approval"
	"github.com/dusancv22/CC-Release-Monitor/internal/gateway"
	"github.com/gorilla/websocket"
)

const defaultTimeout = 5 * time.Second

// APIError is a non-2xx response from the approval server. It unwraps to the
// matching approval error kind.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	// Status is the request's current status on conflicts.
	Status approval.Status
}

func (e *APIError) Error() string {
	return fmt.Sprintf("approval server: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return approval.ErrNotFound
	case http.StatusConflict:
		return approval.ErrConflict
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return approval.ErrValidation
	case http.StatusServiceUnavailable:
		return approval.ErrUnavailable
	default:
		return nil
	}
}

// Client talks to the approval server over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	dialer  *websocket.Dialer
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithTimeout bounds every HTTP exchange.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateRequest is the body of a new approval request.
type CreateRequest struct {
	SessionID  string          `json:"session_id"`
	Category   string          `json:"category"`
	Payload    json.RawMessage `json:"payload"`
	WorkingDir string          `json:"working_dir,omitempty"`
}

// CreateResult identifies a created request.
type CreateResult struct {
	ID     string          `json:"id"`
	Status approval.Status `json:"status"`
}

// DecideRequest is the body of a decision.
type DecideRequest struct {
	Decision  approval.Verdict `json:"decision"`
	DecidedBy string           `json:"decided_by"`
	Reason    string           `json:"reason,omitempty"`
}

// Health reports whether the server answers.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("approval server unhealthy: %q", out.Status)
	}
	return nil
}

// Create submits a new approval request.
func (c *Client) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	var out CreateResult
	err := c.do(ctx, http.MethodPost, "/approvals", req, &out)
	return out, err
}

// Status fetches the current projection of a request.
func (c *Client) Status(ctx context.Context, id string) (approval.View, error) {
	var out approval.View
	err := c.do(ctx, http.MethodGet, "/approvals/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Decide submits a decision. A request that is already terminal yields an
// error matching approval.ErrConflict; its status is available on *APIError.
func (c *Client) Decide(ctx context.Context, id string, req DecideRequest) (approval.Status, error) {
	var out struct {
		Status approval.Status `json:"status"`
	}
	err := c.do(ctx, http.MethodPost, "/approvals/"+url.PathEscape(id)+"/decision", req, &out)
	return out.Status, err
}

// ListPending returns pending requests, newest first.
func (c *Client) ListPending(ctx context.Context, limit int) ([]approval.View, error) {
	path := "/approvals"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Requests []approval.View `json:"requests"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Requests, err
}

// Sweep times out pending requests older than maxAge.
func (c *Client) Sweep(ctx context.Context, maxAge time.Duration) (int64, error) {
	var out struct {
		TimedOut int64 `json:"timed_out"`
	}
	err := c.do(ctx, http.MethodPost, "/approvals/sweep", map[string]float64{"max_age_seconds": maxAge.Seconds()}, &out)
	return out.TimedOut, err
}

// Purge deletes requests older than retention.
func (c *Client) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.do(ctx, http.MethodPost, "/approvals/purge", map[string]float64{"retention_hours": retention.Hours()}, &out)
	return out.Deleted, err
}

// Stats returns aggregate counts.
func (c *Client) Stats(ctx context.Context) (approval.Stats, error) {
	var out approval.Stats
	err := c.do(ctx, http.MethodGet, "/approvals/stats", nil, &out)
	return out, err
}

// Subscribe streams push events to fn, acknowledging each after fn returns.
// It blocks until ctx is done or the connection drops; redeliveries may hand
// the same seq to fn more than once.
func (c *Client) Subscribe(ctx context.Context, fn func(gateway.PushEvent)) error {
	wsURL, err := c.wsURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("subscribe: handshake status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("subscribe: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("subscribe: %w", err)
		}
		var event gateway.PushEvent
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		fn(event)
		if err := conn.WriteJSON(gateway.AckFrame{Type: "ack", Seq: event.Seq}); err != nil {
			return fmt.Errorf("subscribe ack: %w", err)
		}
	}
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", c.baseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", approval.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", approval.ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Code      string          `json:"code"`
			Message   string          `json:"message"`
			RequestID string          `json:"request_id"`
			Status    approval.Status `json:"status"`
		}
		if json.Unmarshal(data, &payload) == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Message
			apiErr.RequestID = payload.RequestID
			apiErr.Status = payload.Status
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsConflict reports whether err is a too-late decision.
func IsConflict(err error) bool {
	return errors.Is(err, approval.ErrConflict)
}
