// Package vaulttrader is a Go client for the vaulttraderd operator API.
package vaulttrader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the vaulttraderd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Leg is one swap of a tick as reported by the daemon.
type Leg struct {
	Side         string `json:"side"`
	Route        string `json:"route"`
	Fee          uint32 `json:"fee,omitempty"`
	TokenIn      string `json:"token_in"`
	TokenOut     string `json:"token_out"`
	AmountIn     string `json:"amount_in"`
	AmountOutMin string `json:"amount_out_min"`
	AmountOut    string `json:"amount_out,omitempty"`
	TxHash       string `json:"tx_hash,omitempty"`
	Nonce        uint64 `json:"nonce"`
	Block        uint64 `json:"block,omitempty"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// Tick is the recorded outcome of one trading-loop tick.
type Tick struct {
	ID         string `json:"id"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`
	Status     string `json:"status"`
	ErrorCode  string `json:"error_code,omitempty"`
	Error      string `json:"error,omitempty"`
	Legs       []Leg  `json:"legs,omitempty"`
}

// Started returns StartedAt as a time.
func (t Tick) Started() time.Time { return time.UnixMilli(t.StartedAt) }

// Health is the daemon's health probe response.
type Health struct {
	Status string `json:"status"`
	Busy   bool   `json:"busy"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("vaulttrader api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the API rooted at rawURL. When
// httpClient is nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with API calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = strings.TrimSpace(token)
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// ListTicks returns the most recent ticks, newest first. A non-positive
// limit lets the server choose.
func (c *Client) ListTicks(ctx context.Context, limit int) ([]Tick, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var ticks []Tick
	if err := c.get(ctx, "/api/v1/ticks", query, &ticks); err != nil {
		return nil, err
	}
	return ticks, nil
}

// Health calls the health probe.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	if err := c.get(ctx, "/healthz", nil, &health); err != nil {
		return Health{}, err
	}
	return health, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		message := strings.TrimSpace(string(data))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
