// Package transport provides the blocking "POST bytes, get status" capability
// the uploader consumes, and its HTTP implementation.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Poster sends one request body and reports the response status. A non-nil
// error means no status was received (network failure, timeout,
// cancellation). Implementations must be safe for concurrent use.
type Poster interface {
	Post(ctx context.Context, url string, header http.Header, body []byte) (*Response, error)
}

// Response is the part of an HTTP response the uploader needs.
type Response struct {
	StatusCode int
	// Body is the beginning of the response body, for diagnostics.
	Body []byte
}

const (
	// DefaultUserAgent is sent when no user agent is configured.
	DefaultUserAgent = "crashpad/1.0"

	defaultTotalTimeout          = 30 * time.Second
	defaultConnectTimeout        = 5 * time.Second
	defaultKeepAlive             = 30 * time.Second
	defaultTLSHandshakeTimeout   = 5 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultIdleConnTimeout       = 90 * time.Second

	// maxResponseBody caps how much of a response body is kept.
	maxResponseBody = 64 << 10
)

// HTTPClientOption defines a configuration option for HTTPClient.
type HTTPClientOption func(*HTTPClient)

// HTTPClient posts request bodies over HTTP(S) with TLS 1.2 or newer.
type HTTPClient struct {
	UserAgent          string
	TotalTimeout       time.Duration
	ConnectTimeout     time.Duration
	InsecureSkipVerify bool
	Client             *http.Client
}

var _ Poster = (*HTTPClient)(nil)

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(userAgent string) HTTPClientOption {
	return func(c *HTTPClient) {
		c.UserAgent = userAgent
	}
}

// WithTotalTimeout bounds a whole request, including reading the response.
func WithTotalTimeout(timeout time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		c.TotalTimeout = timeout
	}
}

// WithConnectTimeout bounds establishing the TCP connection.
func WithConnectTimeout(timeout time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		c.ConnectTimeout = timeout
	}
}

// WithInsecureSkipVerify disables certificate verification. Test use only.
func WithInsecureSkipVerify(skip bool) HTTPClientOption {
	return func(c *HTTPClient) {
		c.InsecureSkipVerify = skip
	}
}

// WithClient replaces the underlying client. Timeout options are not applied
// to a caller-supplied client.
func WithClient(client *http.Client) HTTPClientOption {
	return func(c *HTTPClient) {
		c.Client = client
	}
}

// NewHTTPClient creates an HTTPClient with the specified options.
func NewHTTPClient(options ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		UserAgent:      DefaultUserAgent,
		TotalTimeout:   defaultTotalTimeout,
		ConnectTimeout: defaultConnectTimeout,
	}
	for _, opt := range options {
		opt(c)
	}

	if c.Client == nil {
		c.Client = &http.Client{
			Timeout:   c.TotalTimeout,
			Transport: newTransport(c.ConnectTimeout, c.InsecureSkipVerify),
		}
	}
	return c
}

func newTransport(connectTimeout time.Duration, insecure bool) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: defaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		IdleConnTimeout:       defaultIdleConnTimeout,
		MaxIdleConnsPerHost:   4,
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: insecure, //nolint:gosec // opt-in for tests
		},
	}
}

// Post sends body to url and returns the status. Any HTTP status, including
// errors, is a successful exchange; only transport failures return an error.
func (c *HTTPClient) Post(ctx context.Context, url string, header http.Header, body []byte) (*Response, error) {
	if url == "" {
		return nil, errors.New("url is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for url %s: %w", url, err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if c.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		// The status is known; a truncated diagnostic body is acceptable.
		respBody = nil
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}
