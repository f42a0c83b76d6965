package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FranksOps/prospect/internal/fingerprint"
	"github.com/FranksOps/prospect/internal/storage"
	"github.com/FranksOps/prospect/pkg/backoff"
	"github.com/FranksOps/prospect/pkg/proxy"
	"github.com/FranksOps/prospect/pkg/useragent"
)

func fastRetry(n int) backoff.Config {
	return backoff.Config{MaxRetries: n, Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxRetryAfter: 10 * time.Millisecond}
}

func newTestFetcher(t *testing.T, cfg FetchConfig) *Fetcher {
	t.Helper()
	cfg.Fingerprint = fingerprint.ProfileGo
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	f, err := NewFetcher(cfg)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	return f
}

func fetchErrorOf(t *testing.T, err error) *FetchError {
	t.Helper()
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	return fe
}

func TestFetcher_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "TestBrowser/1.0" {
			t.Errorf("expected User-Agent TestBrowser/1.0, got %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	fetcher := newTestFetcher(t, FetchConfig{
		UAPool: useragent.NewPool([]string{"TestBrowser/1.0"}, useragent.RoundRobin, ""),
	})

	page, err := fetcher.Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Failed() {
		t.Fatalf("expected successful page, got %s", page.Error)
	}
	if page.HTTPStatus != http.StatusOK {
		t.Errorf("expected status 200, got %d", page.HTTPStatus)
	}
	if string(page.Body) != "ok" {
		t.Errorf("expected body 'ok', got %s", page.Body)
	}
	if page.ContentHash != storage.ContentHash([]byte("ok")) {
		t.Errorf("unexpected content hash %s", page.ContentHash)
	}
	if page.ContentType != "text/html; charset=utf-8" {
		t.Errorf("unexpected content type %q", page.ContentType)
	}
	if page.Duration == 0 {
		t.Errorf("expected non-zero duration")
	}
}

func TestFetcher_NotFoundIsPermanent(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	fetcher := newTestFetcher(t, FetchConfig{Retry: fastRetry(3)})

	page, err := fetcher.Fetch(context.Background(), ts.URL)
	fe := fetchErrorOf(t, err)
	if fe.Kind != storage.FetchHTTPError || fe.StatusCode != http.StatusNotFound {
		t.Errorf("expected http_error 404, got %s %d", fe.Kind, fe.StatusCode)
	}
	if fe.Temporary() {
		t.Errorf("expected 404 to be permanent")
	}
	if !page.Failed() || page.HTTPStatus != http.StatusNotFound {
		t.Errorf("expected failed page with status 404, got %+v", page)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("expected exactly 1 request, got %d", got)
	}
}

func TestFetcher_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer ts.Close()

	fetcher := newTestFetcher(t, FetchConfig{Retry: fastRetry(2)})

	page, err := fetcher.Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if string(page.Body) != "recovered" {
		t.Errorf("unexpected body %s", page.Body)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("expected 2 requests, got %d", got)
	}
}

func TestFetcher_RetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	fetcher := newTestFetcher(t, FetchConfig{Retry: fastRetry(2)})

	page, err := fetcher.Fetch(context.Background(), ts.URL)
	fe := fetchErrorOf(t, err)
	if fe.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", fe.StatusCode)
	}
	if page.ErrKind != storage.FetchHTTPError {
		t.Errorf("expected http_error on page, got %q", page.ErrKind)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("expected 3 requests, got %d", got)
	}
}

func TestFetcher_TooManyRequestsHonorsRetryAfter(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	retry := fastRetry(1)
	fetcher := newTestFetcher(t, FetchConfig{Retry: retry})

	start := time.Now()
	page, err := fetcher.Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("expected success after 429, got %v", err)
	}
	if page.HTTPStatus != http.StatusOK {
		t.Errorf("expected 200, got %d", page.HTTPStatus)
	}
	// Retry-After of 120s is capped by MaxRetryAfter.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("expected capped Retry-After, waited %v", elapsed)
	}

	fe := &FetchError{wait: 3 * time.Second}
	if d := retry.Delay(0, fe); d != 10*time.Millisecond {
		t.Errorf("expected hint capped at 10ms, got %v", d)
	}
}

func TestFetcher_TimeoutRetried(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	fetcher := newTestFetcher(t, FetchConfig{Timeout: 50 * time.Millisecond, Retry: fastRetry(1)})

	page, err := fetcher.Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("expected second attempt to succeed, got %v", err)
	}
	if string(page.Body) != "ok" {
		t.Errorf("unexpected body %s", page.Body)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("expected 2 requests, got %d", got)
	}
}

func TestFetcher_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	fetcher := newTestFetcher(t, FetchConfig{Timeout: 10 * time.Millisecond})

	page, err := fetcher.Fetch(context.Background(), ts.URL)
	fe := fetchErrorOf(t, err)
	if fe.Kind != storage.FetchTimeout {
		t.Errorf("expected timeout, got %s", fe.Kind)
	}
	if page.ErrKind != storage.FetchTimeout {
		t.Errorf("expected timeout on page, got %q", page.ErrKind)
	}
}

func TestFetcher_BotWallIsBlocked(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Server", "cloudflare")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`<div class="cf-turnstile"></div>`))
	}))
	defer ts.Close()

	fetcher := newTestFetcher(t, FetchConfig{Retry: fastRetry(3)})

	page, err := fetcher.Fetch(context.Background(), ts.URL)
	fe := fetchErrorOf(t, err)
	if fe.Kind != storage.FetchBlocked {
		t.Errorf("expected blocked, got %s", fe.Kind)
	}
	if !page.DetectedBot || page.DetectionSrc != "Cloudflare" {
		t.Errorf("expected Cloudflare detection on page, got %v %q", page.DetectedBot, page.DetectionSrc)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("expected blocked response not to be retried, got %d requests", got)
	}
}

func TestFetcher_RobotsDisallowed(t *testing.T) {
	var privateHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		privateHits.Add(1)
	})
	mux.HandleFunc("/public", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("public"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	fetcher := newTestFetcher(t, FetchConfig{RespectRobots: true})

	page, err := fetcher.Fetch(context.Background(), ts.URL+"/private")
	fe := fetchErrorOf(t, err)
	if fe.Kind != storage.FetchRobots || page.ErrKind != storage.FetchRobots {
		t.Errorf("expected robots error, got %s / %s", fe.Kind, page.ErrKind)
	}
	if privateHits.Load() != 0 {
		t.Errorf("expected disallowed path not to be requested")
	}

	if _, err := fetcher.Fetch(context.Background(), ts.URL+"/public"); err != nil {
		t.Errorf("expected /public to be fetched, got %v", err)
	}
}

func TestFetcher_ContextCancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	fetcher := newTestFetcher(t, FetchConfig{Retry: fastRetry(3)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fetcher.Fetch(ctx, ts.URL)
	fe := fetchErrorOf(t, err)
	if fe.Kind != storage.FetchTimeout {
		t.Errorf("expected cancelled fetch to be reported as timeout, got %s", fe.Kind)
	}
}

func TestFetcher_Proxy(t *testing.T) {
	// The "proxy" answers every request itself, so a 418 proves routing.
	proxyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer proxyServer.Close()

	pool := proxy.NewPool(proxy.Config{MaxFailures: 1, Cooldown: time.Second})
	if err := pool.Add(proxyServer.URL); err != nil {
		t.Fatalf("failed to add proxy: %v", err)
	}

	targetServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer targetServer.Close()

	fetcher := newTestFetcher(t, FetchConfig{ProxyPool: pool})

	page, _ := fetcher.Fetch(context.Background(), targetServer.URL)
	if page.HTTPStatus != http.StatusTeapot {
		t.Errorf("expected 418 from proxy, got %d (%s)", page.HTTPStatus, page.Error)
	}
}
