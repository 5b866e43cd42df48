package permissions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"
)

// maxResponseBytes bounds how much of an upstream body is read.
const maxResponseBytes = 8 << 20

// UpstreamClient performs GET requests against the permissions service.
type UpstreamClient interface {
	Get(ctx context.Context, url string, headers http.Header) (*UpstreamResponse, error)
}

// HTTPClientConfig configures HTTPClient.
type HTTPClientConfig struct {
	// Timeout bounds a single attempt. Zero means no client-side limit, in
	// which case only the caller's context can stop a hung request.
	Timeout time.Duration

	// RetryMax is the number of retries on connection errors and 5xx/429
	// responses. Zero disables retries.
	RetryMax int

	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	Logger hclog.Logger
}

// HTTPClient is the default UpstreamClient.
type HTTPClient struct {
	client *retryablehttp.Client
}

// NewHTTPClient creates an HTTPClient over a pooled transport.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = cfg.Timeout

	if cfg.RetryWaitMin == 0 {
		cfg.RetryWaitMin = 100 * time.Millisecond
	}
	if cfg.RetryWaitMax == 0 {
		cfg.RetryWaitMax = 1500 * time.Millisecond
	}

	c := &retryablehttp.Client{
		HTTPClient:   httpClient,
		RetryWaitMin: cfg.RetryWaitMin,
		RetryWaitMax: cfg.RetryWaitMax,
		RetryMax:     cfg.RetryMax,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	if cfg.Logger != nil {
		c.Logger = cfg.Logger
	}
	return &HTTPClient{client: c}
}

// Get sends a GET request with headers copied verbatim and returns the
// status, headers and body. Non-200 statuses are not errors here.
func (c *HTTPClient) Get(ctx context.Context, url string, headers http.Header) (*UpstreamResponse, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for name, values := range headers {
		req.Header[name] = append([]string(nil), values...)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
