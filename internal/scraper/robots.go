package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/temoto/robotstxt"
)

// RobotsTxtAuditor fetches robots.txt once per origin and answers
// allow/disallow questions against it.
type RobotsTxtAuditor struct {
	fetcher *Fetcher
	logger  *slog.Logger
	mu      sync.Mutex
	cache   map[string]*robotsEntry
}

type robotsEntry struct {
	mu   sync.Mutex
	done bool
	data *robotstxt.RobotsData
	err  error
}

// NewRobotsTxtAuditor creates a new instance.
func NewRobotsTxtAuditor(fetcher *Fetcher, logger *slog.Logger) *RobotsTxtAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RobotsTxtAuditor{
		fetcher: fetcher,
		logger:  logger,
		cache:   make(map[string]*robotsEntry),
	}
}

// IsAllowed reports whether targetURL may be fetched by userAgent. A missing
// or unreachable robots.txt allows everything.
func (r *RobotsTxtAuditor) IsAllowed(ctx context.Context, targetURL string, userAgent string) (bool, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return false, fmt.Errorf("invalid url: %w", err)
	}
	if u.Host == "" {
		return false, fmt.Errorf("invalid url: missing host in %q", targetURL)
	}

	origin := u.Scheme + "://" + u.Host
	data, err := r.load(ctx, origin)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("robots.txt %s: %w", origin, ctx.Err())
		}
		r.logger.Debug("robots.txt unavailable, defaulting to allow", "origin", origin, "err", err)
		return true, nil
	}
	if data == nil {
		return true, nil
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return data.FindGroup(userAgent).Test(path), nil
}

// SitemapExtracts returns the Sitemap: entries of the origin's robots.txt.
func (r *RobotsTxtAuditor) SitemapExtracts(ctx context.Context, origin string) ([]string, error) {
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		origin = "https://" + origin
	}
	origin = strings.TrimSuffix(origin, "/")

	data, err := r.load(ctx, origin)
	if err != nil || data == nil {
		return nil, nil
	}
	return data.Sitemaps, nil
}

func (r *RobotsTxtAuditor) load(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	r.mu.Lock()
	entry, ok := r.cache[origin]
	if !ok {
		entry = &robotsEntry{}
		r.cache[origin] = entry
	}
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.done {
		return entry.data, entry.err
	}
	data, err := r.fetch(ctx, origin)
	if err != nil && ctx.Err() != nil {
		// The caller gave up; leave the origin for the next caller to fetch.
		return nil, err
	}
	entry.data, entry.err, entry.done = data, err, true
	return data, err
}

// fetch issues a single request without robots checks or retries.
func (r *RobotsTxtAuditor) fetch(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	page, err := r.fetcher.attempt(ctx, origin+"/robots.txt")
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) && fe.StatusCode >= 400 && fe.StatusCode < 500 {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}

	data, err := robotstxt.FromBytes(page.Body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return data, nil
}
