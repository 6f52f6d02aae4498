// Package httpopt implements the optimize.Optimizer interface as a JSON
// client for the external optimizer service.
//
// Wire contract: POST <base>/optimize with body {"entries": [...]} returns
// 200 with {"schedule": [...]}; each returned record carries the same fields
// as the input plus an assigned start_time. The client does not validate the
// returned records — optimize.Normalize owns that.
package httpopt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kliniq/scanplan/internal/optimize"
	"github.com/kliniq/scanplan/internal/schedule"
)

const defaultTimeout = 30 * time.Second

// Compile-time assertion that Client implements optimize.Optimizer.
var _ optimize.Optimizer = (*Client)(nil)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout. Defaults to 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client entirely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client is an optimizer service client. It holds no per-request state and
// may be shared across goroutines.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the optimizer service at baseURL
// (e.g., "http://optimizer:9090").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("httpopt: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type optimizeRequest struct {
	Entries []schedule.ScheduleEntry `json:"entries"`
}

type optimizeResponse struct {
	Schedule []optimize.RawEntry `json:"schedule"`
}

// Optimize submits the batch and returns the service's raw schedule.
// Transport failures and non-200 statuses map to optimize.ErrUnavailable.
func (c *Client) Optimize(ctx context.Context, entries []schedule.ScheduleEntry) ([]optimize.RawEntry, error) {
	body, err := json.Marshal(optimizeRequest{Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("httpopt: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/optimize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpopt: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpopt: request failed: %w: %w", optimize.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("httpopt: server returned %d: %s: %w",
			resp.StatusCode, strings.TrimSpace(string(msg)), optimize.ErrUnavailable)
	}

	var parsed optimizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("httpopt: decode response: %w", err)
	}
	return parsed.Schedule, nil
}
