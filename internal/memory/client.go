// Package memory is a thin client for an external long-term memory
// service. The assistant writes durable facts to it and searches it for
// context relevant to the current turn. It is optional; a nil *Client is
// a valid "memory disabled" value on which every method is a no-op.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Item is one stored memory, with Score set on search results.
type Item struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Score     float64           `json:"score,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
}

// Client talks to the memory service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a Client. timeout bounds each request.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Store writes one memory and returns its id.
func (c *Client) Store(ctx context.Context, text string, metadata map[string]string) (string, error) {
	if c == nil {
		return "", nil
	}
	var out Item
	err := c.post(ctx, "/v1/memories", Item{Text: text, Metadata: metadata}, &out)
	if err != nil {
		return "", err
	}
	c.logger.Debug("memory stored", zap.String("id", out.ID))
	return out.ID, nil
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type searchResponse struct {
	Results []Item `json:"results"`
}

// Search returns memories relevant to query, best first.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Item, error) {
	if c == nil {
		return nil, nil
	}
	var out searchResponse
	if err := c.post(ctx, "/v1/memories/search", searchRequest{Query: query, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("memory: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("memory: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("memory: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("memory: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("memory: %s returned %d: %s", path, resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return fmt.Errorf("memory: decode %s response: %w", path, err)
	}
	return nil
}
