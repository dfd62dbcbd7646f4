// Package ipfs implements the content-addressed object-store client
// (component C): HTTPS GET of a proof blob by CID, retrying only on
// timeout. No library in the reference corpus wraps a plain HTTP
// fetch-by-key; this is built directly on net/http (see DESIGN.md
// for the justification).
package ipfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultMaxRetries     = 5
)

// Client fetches proof blobs from an HTTPS object-store gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// Option configures a Client.
type Option func(*Client)

// WithMaxRetries overrides the default retry count (5).
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// New constructs a Client rooted at baseURL (must be https, per
// spec.md §6's "ipfs.base_url ... must use https").
func New(baseURL string, opts ...Option) (*Client, error) {
	dialer := &net.Dialer{Timeout: defaultConnectTimeout}
	c := &Client{
		baseURL:    baseURL,
		maxRetries: defaultMaxRetries,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch retrieves the blob named by cid. Per spec.md §4.C, only
// timeout errors are retried (up to maxRetries); any other failure
// (connection refused, 4xx/5xx status, etc.) is returned immediately.
func (c *Client) Fetch(ctx context.Context, cid string) ([]byte, error) {
	url := fmt.Sprintf("%s/ipfs/%s", c.baseURL, cid)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		body, err := c.fetchOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !isTimeout(err) {
			return nil, fmt.Errorf("ipfs: fetch %s: %w", cid, err)
		}
		if attempt == c.maxRetries {
			break
		}
	}
	return nil, fmt.Errorf("ipfs: fetch %s: timed out after %d retries: %w", cid, c.maxRetries, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
