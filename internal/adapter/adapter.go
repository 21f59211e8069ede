// Package adapter is the outbound integration client. Every external call
// is classified into a retryable or permanent integration error so callers
// and the dispatcher can decide whether a retry makes sense.
package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/lucidgrid/basis/internal/types"
	"github.com/rs/zerolog"
)

const defaultTimeout = 10 * time.Second

// Client talks to one external service.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	log     zerolog.Logger
	retries int
	backoff time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithRetries sets how often a retryable failure is retried before it is
// surfaced.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		c.backoff = backoff
	}
}

// WithHTTPClient swaps the transport, used by tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(name, baseURL string, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		name:    name,
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		log:     log.With().Str("adapter", name).Logger(),
		retries: 2,
		backoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call performs one request against the service and returns the response
// body. Timeouts, connection failures, 429 and 5xx responses are retryable;
// other non-2xx responses are permanent.
func (c *Client) Call(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		out, err := c.once(ctx, method, path, body)
		if err == nil {
			return out, nil
		}
		lastErr = err
		var ie *types.Error
		if !errors.As(err, &ie) || ie.Kind != types.KindIntegration || !ie.Retryable || attempt >= c.retries {
			return nil, lastErr
		}
		c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("retrying external call")
		select {
		case <-ctx.Done():
			return nil, types.IntegrationError(false, ctx.Err(), "%s: call cancelled", c.name)
		case <-time.After(c.backoff * time.Duration(attempt+1)):
		}
	}
}

func (c *Client) once(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, types.IntegrationError(false, err, "%s: bad request", c.name)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, types.IntegrationError(true, err, "%s is unreachable", c.name)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.IntegrationError(true, err, "%s: reading response failed", c.name)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, types.IntegrationError(true, nil, "%s answered %d", c.name, resp.StatusCode)
	default:
		return nil, types.IntegrationError(false, nil, "%s rejected the request with %d", c.name, resp.StatusCode)
	}
}

// Ping checks TCP reachability of the service without issuing a request.
func (c *Client) Ping(timeout time.Duration) error {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return types.IntegrationError(false, err, "%s: invalid base URL", c.name)
	}
	host := parsed.Hostname()
	port := parsed.Port()
	if port == "" {
		switch parsed.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	address := net.JoinHostPort(host, port)
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return types.IntegrationError(true, err, "failed to connect to %s", address)
	}
	defer conn.Close()
	return nil
}

// Name identifies the client in logs and error messages.
func (c *Client) Name() string { return c.name }

// String implements fmt.Stringer for diagnostics.
func (c *Client) String() string {
	return fmt.Sprintf("adapter %s -> %s", c.name, c.baseURL)
}
