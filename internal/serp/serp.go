// Package serp abstracts search-engine result providers.
package serp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/FranksOps/prospect/internal/metrics"
	"github.com/FranksOps/prospect/internal/provider"
	"github.com/FranksOps/prospect/pkg/backoff"
)

// Result is one organic search hit.
type Result struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Rank    int    `json:"rank"`
}

// Request asks for one page of results. An empty Cursor means the first page.
type Request struct {
	Operator string
	Cursor   string
	Limit    int
}

// Response is one page of results. An empty NextCursor means no more pages.
type Response struct {
	Results    []Result
	NextCursor string
}

// Provider abstracts a search engine. Implementations may use an official API
// or scrape result pages. Failures are returned as *provider.Error.
type Provider interface {
	Name() string
	Search(ctx context.Context, req Request) (Response, error)
}

// Collect follows NextCursor for up to maxPages pages and returns the results
// gathered so far together with the first error encountered.
func Collect(ctx context.Context, p Provider, req Request, maxPages int) ([]Result, error) {
	if maxPages <= 0 {
		maxPages = 1
	}

	var all []Result
	for page := 0; page < maxPages; page++ {
		resp, err := p.Search(ctx, req)
		if err != nil {
			return all, err
		}
		all = append(all, resp.Results...)
		if resp.NextCursor == "" || len(resp.Results) == 0 {
			break
		}
		req.Cursor = resp.NextCursor
	}
	return all, nil
}

// Retrying wraps a Provider so rate-limited and unavailable responses are
// retried with backoff. Other failures pass straight through.
type Retrying struct {
	Provider
	cfg backoff.Config
}

// WithRetry returns p wrapped in a Retrying provider.
func WithRetry(p Provider, cfg backoff.Config, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ShouldRetry = provider.IsRetryable
	cfg.OnRetry = backoff.LogRetry(logger, "search", "provider", p.Name())
	return &Retrying{Provider: p, cfg: cfg}
}

// Search implements Provider.
func (r *Retrying) Search(ctx context.Context, req Request) (Response, error) {
	resp, err := backoff.DoVal(ctx, r.cfg, func(ctx context.Context) (Response, error) {
		return r.Provider.Search(ctx, req)
	})
	if err != nil && provider.KindOf(err) == "" && !errors.Is(err, context.Canceled) {
		err = &provider.Error{Provider: r.Name(), Kind: provider.Unavailable, Err: err}
	}
	if kind := provider.KindOf(err); err == nil || kind != "" {
		metrics.RecordProvider(r.Name(), string(kind))
	}
	return resp, err
}
