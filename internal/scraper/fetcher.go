package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/FranksOps/prospect/internal/bypass"
	"github.com/FranksOps/prospect/internal/fingerprint"
	"github.com/FranksOps/prospect/internal/metrics"
	"github.com/FranksOps/prospect/internal/storage"
	"github.com/FranksOps/prospect/pkg/backoff"
	"github.com/FranksOps/prospect/pkg/httpclient"
	"github.com/FranksOps/prospect/pkg/proxy"
	"github.com/FranksOps/prospect/pkg/ratelimit"
	"github.com/FranksOps/prospect/pkg/useragent"
)

// FetchError describes why a page could not be retrieved.
type FetchError struct {
	Kind       storage.FetchErrorKind
	URL        string
	StatusCode int
	Err        error

	retryable bool
	wait      time.Duration
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d): %v", e.URL, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// RetryAfter satisfies backoff.RetryAfterer for 429 responses.
func (e *FetchError) RetryAfter() time.Duration { return e.wait }

// Temporary reports whether the failure was classified as retryable.
func (e *FetchError) Temporary() bool { return e.retryable }

// FetchConfig configures the Fetcher.
type FetchConfig struct {
	Timeout time.Duration
	// MaxRedirects defaults to 10; negative disables redirects.
	MaxRedirects int
	UseCookieJar bool
	MaxBodyBytes int64
	ProxyPool    *proxy.Pool
	UAPool       *useragent.Pool
	Fingerprint  fingerprint.Profile

	// InsecureSkipVerify disables TLS verification. Tests only.
	InsecureSkipVerify bool

	// Limiter paces all fetches; HostLimiter paces each host independently.
	Limiter     *ratelimit.Limiter
	HostLimiter *ratelimit.HostLimiter
	// Semaphore bounds in-flight requests. Share one across a run.
	Semaphore *semaphore.Weighted

	// Retry governs retries of transient failures. The zero value disables them.
	Retry         backoff.Config
	RespectRobots bool
	Detectors     []bypass.Detector
	Logger        *slog.Logger
}

// Fetcher retrieves pages with politeness limits, retries and bot-wall detection.
type Fetcher struct {
	config FetchConfig
	client *httpclient.Client
	robots *RobotsTxtAuditor
	logger *slog.Logger
}

// NewFetcher builds a Fetcher. One client is held for the Fetcher's lifetime
// so connection pooling and the cookie jar persist across requests.
func NewFetcher(cfg FetchConfig) (*Fetcher, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = 10
	}
	if cfg.UAPool == nil {
		cfg.UAPool = useragent.NewPool(nil, useragent.RoundRobin, "")
	}
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = fingerprint.ProfileChrome
	}
	if cfg.Detectors == nil {
		cfg.Detectors = bypass.DefaultDetectors()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	transport, err := fingerprint.Transport(cfg.Fingerprint, fingerprint.Options{
		Proxy:              proxy.Func,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("setup transport: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		UseCookieJar: cfg.UseCookieJar,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	f := &Fetcher{
		config: cfg,
		client: client,
		logger: cfg.Logger,
	}
	if cfg.RespectRobots {
		f.robots = NewRobotsTxtAuditor(f, cfg.Logger)
	}
	return f, nil
}

// Robots returns the robots.txt auditor, or nil when robots are not enforced.
func (f *Fetcher) Robots() *RobotsTxtAuditor {
	return f.robots
}

// Fetch retrieves targetURL. Failures come back as a page with ErrKind set
// together with a *FetchError; they never abort the caller's run.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string) (*storage.RawPage, error) {
	start := time.Now()
	host := ratelimit.HostOf(targetURL)

	page, err := f.fetch(ctx, targetURL)
	page.Duration = time.Since(start)
	metrics.RecordFetch(host, page)

	if err != nil {
		f.logger.Debug("fetch failed", "url", targetURL, "kind", page.ErrKind, "status", page.HTTPStatus, "err", err)
	}
	return page, err
}

func (f *Fetcher) fetch(ctx context.Context, targetURL string) (*storage.RawPage, error) {
	if f.robots != nil {
		allowed, err := f.robots.IsAllowed(ctx, targetURL, f.config.UAPool.Identity())
		if err != nil {
			return failed(targetURL, &FetchError{Kind: storage.FetchHTTPError, URL: targetURL, Err: err})
		}
		if !allowed {
			return failed(targetURL, &FetchError{Kind: storage.FetchRobots, URL: targetURL, Err: errors.New("disallowed by robots.txt")})
		}
	}

	retry := f.config.Retry
	retry.ShouldRetry = func(err error) bool {
		var fe *FetchError
		return errors.As(err, &fe) && fe.retryable
	}
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.FetchRetries.WithLabelValues(ratelimit.HostOf(targetURL)).Inc()
		f.logger.Debug("retrying fetch", "url", targetURL, "attempt", attempt, "delay", delay, "err", err)
	}

	page, err := backoff.DoVal(ctx, retry, func(ctx context.Context) (*storage.RawPage, error) {
		return f.attempt(ctx, targetURL)
	})
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			fe = &FetchError{Kind: storage.FetchTimeout, URL: targetURL, Err: err}
		}
		p, _ := failed(targetURL, fe)
		if fe.Kind == storage.FetchBlocked {
			p.DetectedBot = true
			p.DetectionSrc = fe.Err.Error()
		}
		return p, fe
	}
	return page, nil
}

// attempt performs exactly one request.
func (f *Fetcher) attempt(ctx context.Context, targetURL string) (*storage.RawPage, error) {
	if err := f.config.Limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Kind: storage.FetchTimeout, URL: targetURL, Err: err}
	}
	if err := f.config.HostLimiter.WaitURL(ctx, targetURL); err != nil {
		return nil, &FetchError{Kind: storage.FetchTimeout, URL: targetURL, Err: err}
	}
	if sem := f.config.Semaphore; sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, &FetchError{Kind: storage.FetchTimeout, URL: targetURL, Err: err}
		}
		defer sem.Release(1)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: storage.FetchHTTPError, URL: targetURL, Err: err}
	}
	req.Header.Set("User-Agent", f.config.UAPool.Next())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	var activeProxy *url.URL
	if f.config.ProxyPool != nil {
		activeProxy = f.config.ProxyPool.Next()
	}
	reqCtx := ctx
	if activeProxy != nil {
		reqCtx = proxy.WithProxy(ctx, activeProxy)
	}

	resp, err := f.client.Do(reqCtx, req)
	if err != nil {
		if activeProxy != nil {
			_ = f.config.ProxyPool.MarkFailure(activeProxy)
			metrics.ProxyFailures.WithLabelValues(activeProxy.Redacted()).Inc()
		}
		return nil, classifyTransportError(ctx, targetURL, err)
	}
	if activeProxy != nil {
		_ = f.config.ProxyPool.MarkSuccess(activeProxy)
	}

	body, readErr := f.client.ReadBody(resp)
	finalURL := targetURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	if detected, src := bypass.Analyze(&bypass.Response{
		URL:        finalURL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, f.config.Detectors); detected {
		return nil, &FetchError{
			Kind: storage.FetchBlocked, URL: targetURL, StatusCode: resp.StatusCode, Err: errors.New(src),
		}
	}

	if err := classifyStatus(targetURL, resp); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, &FetchError{Kind: storage.FetchHTTPError, URL: targetURL, StatusCode: resp.StatusCode, Err: readErr, retryable: true}
	}

	return &storage.RawPage{
		URL:         targetURL,
		FetchedAt:   time.Now().UTC(),
		ContentHash: storage.ContentHash(body),
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		HTTPStatus:  resp.StatusCode,
	}, nil
}

func classifyStatus(targetURL string, resp *http.Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	fe := &FetchError{
		Kind:       storage.FetchHTTPError,
		URL:        targetURL,
		StatusCode: code,
		Err:        errors.New(http.StatusText(code)),
		retryable:  backoff.IsTransientStatus(code),
	}
	if code == http.StatusTooManyRequests {
		fe.wait = backoff.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return fe
}

func classifyTransportError(ctx context.Context, targetURL string, err error) *FetchError {
	fe := &FetchError{Kind: storage.FetchHTTPError, URL: targetURL, Err: err}

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		fe.Kind = storage.FetchTimeout
	case errors.As(err, &dnsErr):
		fe.Kind = storage.FetchDNS
		fe.retryable = dnsErr.IsTimeout || dnsErr.IsTemporary
	case errors.As(err, &netErr) && netErr.Timeout():
		fe.Kind = storage.FetchTimeout
		fe.retryable = true
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		strings.Contains(err.Error(), "connection reset by peer"):
		fe.retryable = true
	}
	return fe
}

func failed(targetURL string, fe *FetchError) (*storage.RawPage, error) {
	return &storage.RawPage{
		URL:        targetURL,
		FetchedAt:  time.Now().UTC(),
		HTTPStatus: fe.StatusCode,
		ErrKind:    fe.Kind,
		Error:      fe.Error(),
	}, fe
}
