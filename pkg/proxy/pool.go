package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrUnknownProxy is returned when reporting on a proxy the pool does not hold.
var ErrUnknownProxy = errors.New("proxy: not in pool")

// Endpoint is one proxy with health tracking.
type Endpoint struct {
	URL           *url.URL
	Failures      int
	Successes     int
	LastUsed      time.Time
	DisabledUntil time.Time
}

func (e *Endpoint) disabled(now time.Time) bool {
	return now.Before(e.DisabledUntil)
}

// Config defines settings for the Pool.
type Config struct {
	// MaxFailures before a proxy is benched. Default: 3.
	MaxFailures int
	// Cooldown is how long a benched proxy stays out of rotation. Default: 5m.
	Cooldown time.Duration
}

// Pool rotates requests across proxies, benching ones that keep failing.
type Pool struct {
	mu          sync.Mutex
	endpoints   []*Endpoint
	next        int
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time
}

// NewPool creates an empty pool.
func NewPool(cfg Config) *Pool {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &Pool{
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		now:         time.Now,
	}
}

// LoadFile reads proxies from a file, one URL per line. Blank lines and
// lines starting with '#' are ignored.
func (p *Pool) LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open proxy list: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var urls []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read proxy list: %w", err)
	}

	return p.Add(urls...)
}

// Add parses raw URLs and appends them. A missing scheme defaults to http.
func (p *Pool) Add(rawURLs ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, raw := range rawURLs {
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse proxy %q: %w", raw, err)
		}
		p.endpoints = append(p.endpoints, &Endpoint{URL: u})
	}
	return nil
}

// Len returns the number of configured proxies.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Next returns the next proxy in rotation, or nil when the pool is empty or
// every proxy is cooling down.
func (p *Pool) Next() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.endpoints)
	now := p.now()
	for i := 0; i < n; i++ {
		e := p.endpoints[p.next]
		p.next = (p.next + 1) % n

		if e.disabled(now) {
			continue
		}
		if !e.DisabledUntil.IsZero() {
			// Revived after cooldown.
			e.DisabledUntil = time.Time{}
			e.Failures = 0
		}
		e.LastUsed = now
		return e.URL
	}
	return nil
}

// MarkSuccess records a successful request through proxyURL.
func (p *Pool) MarkSuccess(proxyURL *url.URL) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.find(proxyURL)
	if e == nil {
		return ErrUnknownProxy
	}
	e.Successes++
	if e.Failures > 0 {
		e.Failures--
	}
	return nil
}

// MarkFailure records a failed request; MaxFailures failures bench the proxy.
func (p *Pool) MarkFailure(proxyURL *url.URL) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.find(proxyURL)
	if e == nil {
		return ErrUnknownProxy
	}
	e.Failures++
	if e.Failures >= p.maxFailures {
		e.DisabledUntil = p.now().Add(p.cooldown)
	}
	return nil
}

// Healthy returns how many proxies are currently in rotation.
func (p *Pool) Healthy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	n := 0
	for _, e := range p.endpoints {
		if !e.disabled(now) {
			n++
		}
	}
	return n
}

// must be called with p.mu held
func (p *Pool) find(u *url.URL) *Endpoint {
	if u == nil {
		return nil
	}
	target := u.String()
	for _, e := range p.endpoints {
		if e.URL.String() == target {
			return e
		}
	}
	return nil
}

type ctxKey struct{}

// WithProxy pins the proxy for requests made with ctx.
func WithProxy(ctx context.Context, u *url.URL) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// FromContext returns the proxy pinned by WithProxy, if any.
func FromContext(ctx context.Context) *url.URL {
	u, _ := ctx.Value(ctxKey{}).(*url.URL)
	return u
}

// Func is an http.Transport Proxy function honoring WithProxy. Requests
// without a pinned proxy go direct.
func Func(req *http.Request) (*url.URL, error) {
	return FromContext(req.Context()), nil
}
