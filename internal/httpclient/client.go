// Package httpclient is the shared HTTP client for inter-node traffic.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/macrodyne/autod/errors"
)

// DefaultTimeout caps every peer request.
const DefaultTimeout = 5 * time.Second

// Client wraps http.Client with JSON helpers and bearer auth for peer calls.
type Client struct {
	*http.Client
}

// New creates a client with the given timeout (DefaultTimeout when zero).
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        32,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Wrap adapts an existing http.Client, used by tests with httptest servers.
func Wrap(client *http.Client) *Client {
	return &Client{Client: client}
}

// GetJSON performs a GET and decodes the response body into out (when out is
// non-nil and the response is 2xx). Returns the status code.
func (c *Client) GetJSON(ctx context.Context, url, bearer string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to build request")
	}
	return c.do(req, bearer, out)
}

// PostJSON performs a POST with a JSON body and decodes the response into
// out (when out is non-nil and the response is 2xx). Returns the status code.
func (c *Client) PostJSON(ctx context.Context, url, bearer string, body, out interface{}) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, errors.Wrap(err, "failed to encode request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, bearer, out)
}

func (c *Client) do(req *http.Request, bearer string, out interface{}) (int, error) {
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, errors.Newf("unexpected status %d: %s", resp.StatusCode, string(snippet))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, errors.Wrap(err, "failed to decode response body")
		}
	}
	return resp.StatusCode, nil
}
