// Package wavelink provides the Go client engine for the Wavelink chat
// backend: an HTTP API client, a realtime push-channel client, and a
// synchronization engine that maintains deduplicated offline-capable
// message logs with read tracking and a conversation index.
//
// Example:
//
//	client := wavelink.NewClient("eyJhb...")
//
//	// Direct API access
//	result, _ := client.GetHistory(ctx, 42, wavelink.TargetPrivate, "", 30)
//
//	// Full sync engine
//	engine := wavelink.NewSyncEngine(client, wavelink.EngineOptions{
//		SelfUID: 7,
//		Storage: storage,
//	})
//	engine.On("message", func(event string, data any) { ... })
//	engine.Start(ctx)
package wavelink

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

const (
	DefaultBaseURL = "https://api.wavelink.im"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP API client. The token may be set at construction or
// later via SetToken (after login).
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Wavelink API client.
// token is optional — pass "" and call SetToken after login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current auth token, "" when unauthenticated.
func (c *Client) Token() string {
	return c.token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WSURL returns the push-channel endpoint derived from the base URL.
func (c *Client) WSURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// API Methods
// ============================================================================

// Health checks service health.
func (c *Client) Health(ctx context.Context) (*Result, error) {
	return c.do(ctx, "GET", "/api/health", nil, nil)
}

// GetHistory fetches one page of message history for a conversation,
// newest page first. A non-empty beforeID asks for messages older than
// that id. The returned payload is the raw message array; callers feed
// it through the store for normalization and dedup.
func (c *Client) GetHistory(ctx context.Context, key int, targetType TargetType, beforeID string, limit int) (*Result, error) {
	if limit <= 0 {
		limit = 30
	}
	query := map[string]string{"limit": fmt.Sprintf("%d", limit)}
	if beforeID != "" {
		query["before"] = beforeID
	}
	return c.do(ctx, "GET", historyPath(key, targetType), nil, query)
}

// SendMessage posts a message. The server responds with the stored
// message including its assigned id and timestamp.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*Result, error) {
	return c.do(ctx, "POST", historyPath(req.TargetUID, req.TargetType), req, nil)
}

// MarkConversationRead reports the conversation as read up to now.
// Local read markers are authoritative; this call is advisory and
// callers may ignore its failure.
func (c *Client) MarkConversationRead(ctx context.Context, key int) (*Result, error) {
	return c.do(ctx, "POST", fmt.Sprintf("/api/conversations/%d/read", key), nil, nil)
}

// GetConversations fetches the lightweight per-conversation overview
// used to seed list previews without pulling full logs.
func (c *Client) GetConversations(ctx context.Context) (*Result, error) {
	return c.do(ctx, "GET", "/api/conversations", nil, nil)
}

func historyPath(key int, targetType TargetType) string {
	if targetType == TargetGroup {
		return fmt.Sprintf("/api/groups/%d/messages", key)
	}
	return fmt.Sprintf("/api/direct/%d/messages", key)
}
