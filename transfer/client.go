package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

var (
	ErrRangeNotSupported = errors.New("http: server does not support range requests")
	ErrNotFound          = errors.New("http: resource not found")
	ErrForbidden         = errors.New("http: access forbidden")
	ErrUnauthorized      = errors.New("http: unauthorized")
	ErrServerError       = errors.New("http: server error")
)

// ClientOptions tune the http transfer kind. Zero values are replaced by
// DefaultClientOptions when the client is built.
type ClientOptions struct {
	// Timeout bounds response headers only; a unit's body is bounded by
	// the worker's context.
	Timeout time.Duration
	// RetryAttempts is how often one request is retried on network and 5xx
	// errors before the unit itself fails.
	RetryAttempts   int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Timeout:         30 * time.Second,
		RetryAttempts:   3,
		RetryBackoff:    time.Second,
		RetryMaxBackoff: 30 * time.Second,
	}
}

// FileInfo is what a HEAD request tells about a locator.
type FileInfo struct {
	// Size is -1 when the server does not report a length.
	Size          int64
	AcceptsRanges bool
}

// Client fetches unit locators over http, resuming with range requests.
type Client struct {
	client *http.Client
	opts   ClientOptions
}

func NewClient(opts ClientOptions) *Client {
	def := DefaultClientOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.RetryMaxBackoff <= 0 {
		opts.RetryMaxBackoff = def.RetryMaxBackoff
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		// ranges must arrive byte for byte
		DisableCompression: true,
	}
	return &Client{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// do sends one request, retrying transport errors and 5xx answers. Any other
// answer is returned as is, with its body open.
func (c *Client) do(ctx context.Context, method, url, byteRange string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		if byteRange != "" {
			req.Header.Set("Range", byteRange)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: %s", ErrServerError, resp.Status)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%s %s gave up after %d attempts: %w", method, redact(url), c.opts.RetryAttempts+1, lastErr)
}

func (c *Client) Head(ctx context.Context, url string) (*FileInfo, error) {
	resp, err := c.do(ctx, http.MethodHead, url, "")
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}
	return &FileInfo{
		Size:          resp.ContentLength,
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
	}, nil
}

// GetRange opens the inclusive byte range [start, end] of url.
func (c *Client) GetRange(ctx context.Context, url string, start, end int64) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, url, fmt.Sprintf("bytes=%d-%d", start, end))
	if err != nil {
		return nil, err
	}
	// a 200 without Content-Range is the whole file
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable ||
		(resp.StatusCode == http.StatusOK && resp.Header.Get("Content-Range") == "") {
		resp.Body.Close()
		return nil, ErrRangeNotSupported
	}
	if err := statusError(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, url, "")
	if err != nil {
		return nil, err
	}
	if err := statusError(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// wait sleeps before retry number attempt: the backoff doubles per attempt
// up to RetryMaxBackoff and is scaled by a random factor in [0.5, 1.5).
func (c *Client) wait(ctx context.Context, attempt int) error {
	d := min(c.opts.RetryBackoff<<(attempt-1), c.opts.RetryMaxBackoff)
	d = time.Duration(float64(d) * (0.5 + rand.Float64()))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("http: unexpected status %d", code)
	}
}

// redact strips credentials and query strings from a locator for logging.
func redact(locator string) string {
	if i := strings.IndexByte(locator, '?'); i >= 0 {
		locator = locator[:i]
	}
	if i := strings.Index(locator, "://"); i >= 0 {
		rest := locator[i+3:]
		host := rest
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			host = rest[:slash]
		}
		if at := strings.LastIndexByte(host, '@'); at >= 0 {
			locator = locator[:i+3] + rest[at+1:]
		}
	}
	return locator
}
