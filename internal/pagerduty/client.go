// Package pagerduty is a minimal client for the PagerDuty v1 incidents API:
// paginated incident listing and incident resolution.
package pagerduty

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	// maxBodyBytes caps a single response body.
	maxBodyBytes = 32 << 20

	// DefaultMaxConcurrency bounds in-flight page requests when Options leaves it unset.
	DefaultMaxConcurrency = 8

	// maxPages caps the pages a listing may imply beyond the first.
	maxPages = 10000
)

// Options configures a Client.
type Options struct {
	Org           string
	Token         string
	Timezone      string
	TimezoneShort string

	// BaseURL overrides https://<org>.pagerduty.com.
	BaseURL string

	// Timeout bounds each HTTP call. Zero means no timeout.
	Timeout time.Duration

	// RateLimit caps requests per second issued by this client. Zero disables it.
	RateLimit float64

	// MaxConcurrency bounds in-flight page requests while listing.
	// Zero or less means DefaultMaxConcurrency.
	MaxConcurrency int

	// Transport defaults to an otel-instrumented clone of http.DefaultTransport.
	Transport http.RoundTripper
}

// Client talks to one PagerDuty account. Each Client owns its own transport,
// so connections are never shared between clients.
type Client struct {
	baseURL       string
	token         string
	timezone      string
	timezoneShort string
	httpClient    *http.Client
	limiter       *rate.Limiter
	concurrency   int
}

// New creates a Client from opts.
func New(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = fmt.Sprintf("https://%s.pagerduty.com", opts.Org)
	}

	transport := opts.Transport
	if transport == nil {
		transport = otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone())
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	concurrency := opts.MaxConcurrency
	if concurrency <= 0 {
		concurrency = DefaultMaxConcurrency
	}

	return &Client{
		baseURL:       base,
		token:         opts.Token,
		timezone:      opts.Timezone,
		timezoneShort: opts.TimezoneShort,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		limiter:     limiter,
		concurrency: concurrency,
	}
}

// Close releases idle connections held by the client's transport.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// do issues one authenticated request and returns the body and status.
func (c *Client) do(ctx context.Context, op, method, u string) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, &TransportError{Op: op, URL: u, Err: fmt.Errorf("rate limit wait: %w", err)}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, http.NoBody)
	if err != nil {
		return nil, 0, &TransportError{Op: op, URL: u, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Authorization", "Token token="+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req) //nolint:gosec // G107: base URL comes from trusted config
	if err != nil {
		return nil, 0, &TransportError{Op: op, URL: u, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, &TransportError{Op: op, URL: u, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	return body, resp.StatusCode, nil
}
