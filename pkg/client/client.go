// Package client talks to a browserpilot server: the HTTP API for creating
// and controlling sessions, and observer connections that follow a session's
// events with automatic reconnects.
package client

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

	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	// ClientID identifies this client to the server's rate limiter and to
	// the observer merge logic.
	ClientID string
}

// Client is an HTTP client for the session API.
type Client struct {
	baseURL  string
	http     *http.Client
	clientID string
}

// New creates a client for the server at baseURL (e.g. http://localhost:8080).
func New(baseURL string, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     hc,
		clientID: opts.ClientID,
	}
}

func (c *Client) CreateSession(ctx context.Context, req models.CreateSessionRequest) (models.SessionInfo, error) {
	var info models.SessionInfo
	err := c.do(ctx, http.MethodPost, "/v1/sessions", req, http.StatusCreated, &info)
	return info, err
}

func (c *Client) ListSessions(ctx context.Context) ([]models.SessionInfo, error) {
	var out []models.SessionInfo
	err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, http.StatusOK, &out)
	return out, err
}

func (c *Client) GetSession(ctx context.Context, id string) (models.SessionDetail, error) {
	var detail models.SessionDetail
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, http.StatusOK, &detail)
	return detail, err
}

// DeleteSession tears the session down.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(id), nil, http.StatusNoContent, nil)
}

// SendCommand delivers cmd over HTTP and returns the session state after it
// was applied.
func (c *Client) SendCommand(ctx context.Context, id string, cmd models.Command) (models.SessionInfo, error) {
	var info models.SessionInfo
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/commands", cmd, http.StatusAccepted, &info)
	return info, err
}

// WebSocketURL returns the observer endpoint for a session and role.
func (c *Client) WebSocketURL(sessionID, role string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	q := url.Values{}
	if role != "" {
		q.Set("role", role)
	}
	if c.clientID != "" {
		q.Set("client_id", c.clientID)
	}
	u := base + "/v1/sessions/" + url.PathEscape(sessionID) + "/ws"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, want int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.clientID != "" {
		req.Header.Set("X-Client-ID", c.clientID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
