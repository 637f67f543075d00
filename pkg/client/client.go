// Package client provides the Halcyon Go SDK: token exchange against the
// gateway and typed access to the chat, tools, and servers endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrUnauthorized is returned when the gateway rejects the credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Reply is one assistant answer.
type Reply struct {
	SessionID string   `json:"session_id"`
	Content   string   `json:"content"`
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// Tool is one catalog entry.
type Tool struct {
	Name        string          `json:"name"`
	Server      string          `json:"server"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ServerStatus is one tool server's connection state.
type ServerStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Tools int    `json:"tools"`
}

// Client is the Halcyon SDK entry point.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	// token state — guarded by mu
	mu          sync.Mutex
	bearerToken string
	tokenExpiry time.Time // zero = token was set manually (no auto-refresh)
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey configures the client to exchange apiKey for session tokens,
// refreshing them automatically as they approach expiry.
func WithAPIKey(apiKey string) Option {
	return func(c *Client) { c.apiKey = apiKey }
}

// WithToken attaches a pre-obtained session token to every request. The
// token is treated as long-lived and will not be auto-refreshed.
func WithToken(token string) Option {
	return func(c *Client) {
		c.bearerToken = token
		c.tokenExpiry = time.Time{}
	}
}

// New creates a Client for the gateway at baseURL.
//
//	c := client.New("http://localhost:8080", client.WithAPIKey(key))
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Chat sends one user message and returns the assistant's reply. channel
// and userRef may be empty; the gateway then falls back to the API channel
// and the credential's name.
func (c *Client) Chat(ctx context.Context, channel, userRef, message string) (*Reply, error) {
	body := map[string]string{"message": message}
	if channel != "" {
		body["channel"] = channel
	}
	if userRef != "" {
		body["user_ref"] = userRef
	}

	var reply Reply
	if err := c.do(ctx, http.MethodPost, "/api/v1/chat", body, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Tools returns the aggregate namespaced tool catalog.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var resp struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/tools", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tools, nil
}

// Servers returns the state of every managed tool server.
func (c *Client) Servers(ctx context.Context) ([]ServerStatus, error) {
	var resp struct {
		Servers []ServerStatus `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/servers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// fetchTokenRaw exchanges the API key for a fresh session token without
// touching cached state.
func (c *Client) fetchTokenRaw(ctx context.Context) (token string, expiry time.Time, err error) {
	payload, _ := json.Marshal(map[string]string{"api_key": c.apiKey})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/token", bytes.NewReader(payload))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return "", time.Time{}, ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		return "", time.Time{}, fmt.Errorf("token endpoint error %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}

	// Refresh 60 s before actual expiry to avoid clock-skew failures.
	const refreshBuffer = 60 * time.Second
	exp := time.Now().Add(time.Duration(tokenResp.ExpiresIn)*time.Second - refreshBuffer)
	return tokenResp.AccessToken, exp, nil
}

// ensureToken returns a valid bearer token, fetching a new one if the
// cached token is absent or approaching expiry. Thread-safe.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bearerToken != "" && (c.tokenExpiry.IsZero() || time.Now().Before(c.tokenExpiry)) {
		return c.bearerToken, nil
	}
	if c.apiKey == "" {
		return "", ErrUnauthorized
	}

	token, expiry, err := c.fetchTokenRaw(ctx)
	if err != nil {
		return "", err
	}
	c.bearerToken = token
	c.tokenExpiry = expiry
	return token, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(raw))
	}
	if respBody != nil {
		if err := json.Unmarshal(raw, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
