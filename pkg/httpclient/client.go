package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"
)

var (
	// ErrNilContext is returned by Do when called without a context.
	ErrNilContext = errors.New("httpclient: nil context")
	// ErrTooManyRedirects is wrapped into the error when the redirect limit is hit.
	ErrTooManyRedirects = errors.New("httpclient: too many redirects")
)

// DefaultMaxBody bounds how much of a response body is read.
const DefaultMaxBody = 5 << 20

// Config defines the setup for the HTTP Client.
type Config struct {
	Timeout time.Duration
	// MaxRedirects < 0 disables redirect following.
	MaxRedirects int
	UseCookieJar bool
	// UserAgent is set on requests that carry none.
	UserAgent string
	// MaxBodyBytes caps ReadBody and the JSON helpers. Default: DefaultMaxBody.
	MaxBodyBytes int64
	// Transport overrides the round tripper, e.g. for proxies or uTLS fingerprinting.
	Transport http.RoundTripper
}

// Client wraps http.Client with timeouts, a redirect policy, a cookie jar
// and JSON helpers for the remote provider APIs.
type Client struct {
	*http.Client
	userAgent string
	maxBody   int64
}

// New creates a new HTTP client based on the provided configuration.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBody
	}

	c := &http.Client{Timeout: cfg.Timeout}

	if cfg.MaxRedirects >= 0 {
		limit := cfg.MaxRedirects
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) > limit {
				return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, limit)
			}
			return nil
		}
	} else {
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	if cfg.UseCookieJar {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		c.Jar = jar
	}

	if cfg.Transport != nil {
		c.Transport = cfg.Transport
	}

	return &Client{Client: c, userAgent: cfg.UserAgent, maxBody: cfg.MaxBodyBytes}, nil
}

// Do executes req bound to ctx, which controls cancellation independently of
// the client timeout.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	r := req.Clone(ctx)
	if c.userAgent != "" && r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.Client.Do(r)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", r.Method, r.URL.Redacted(), err)
	}
	return resp, nil
}

// ReadBody reads at most MaxBodyBytes of resp.Body and closes it.
func (c *Client) ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return body, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// Response is the status line and headers of a JSON call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// GetJSON issues a GET and decodes a 2xx body into out. Non-2xx responses are
// returned without error so callers can map the status themselves.
func (c *Client) GetJSON(ctx context.Context, url string, header http.Header, out any) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.doJSON(ctx, req, header, out)
}

// PostJSON encodes in as the request body and decodes a 2xx body into out.
func (c *Client) PostJSON(ctx context.Context, url string, header http.Header, in, out any) (*Response, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(ctx, req, header, out)
}

func (c *Client) doJSON(ctx context.Context, req *http.Request, header http.Header, out any) (*Response, error) {
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	body, err := c.ReadBody(resp)
	if err != nil {
		return nil, err
	}

	r := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || out == nil {
		return r, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return r, fmt.Errorf("decode response: %w", err)
	}
	return r, nil
}
