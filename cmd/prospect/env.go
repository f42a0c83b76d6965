package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/FranksOps/prospect/internal/config"
	"github.com/FranksOps/prospect/internal/enricher"
	"github.com/FranksOps/prospect/internal/extractor"
	"github.com/FranksOps/prospect/internal/fingerprint"
	"github.com/FranksOps/prospect/internal/pagecache"
	"github.com/FranksOps/prospect/internal/pipeline"
	"github.com/FranksOps/prospect/internal/planner"
	"github.com/FranksOps/prospect/internal/resolver"
	"github.com/FranksOps/prospect/internal/scheduler"
	"github.com/FranksOps/prospect/internal/scraper"
	"github.com/FranksOps/prospect/internal/serp"
	"github.com/FranksOps/prospect/internal/storage"
	"github.com/FranksOps/prospect/internal/storage/memory"
	"github.com/FranksOps/prospect/internal/storage/postgres"
	"github.com/FranksOps/prospect/internal/storage/sqlite"
	"github.com/FranksOps/prospect/pkg/backoff"
	"github.com/FranksOps/prospect/pkg/proxy"
	"github.com/FranksOps/prospect/pkg/ratelimit"
	"github.com/FranksOps/prospect/pkg/useragent"
)

// env is the wired application.
type env struct {
	Store     storage.Backend
	Scheduler *scheduler.Scheduler
	Pipeline  *pipeline.Pipeline

	closers []func() error
}

// Close stops background runs and releases the store and cache.
func (e *env) Close() {
	if e.Scheduler != nil {
		e.Scheduler.Close()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			slog.Warn("close", "err", err)
		}
	}
}

func openStore(ctx context.Context, c config.StoreConfig) (storage.Backend, error) {
	switch c.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(c.DSN)
	case "postgres":
		return postgres.New(ctx, c.DSN)
	}
	return nil, fmt.Errorf("unknown store driver %q", c.Driver)
}

func openCache(ctx context.Context, c config.CacheConfig) (pagecache.Cache, func() error, error) {
	switch c.Driver {
	case "", "none":
		return nil, nil, nil
	case "memory":
		return pagecache.NewMemory(c.TTL), nil, nil
	case "redis":
		r, err := pagecache.NewRedis(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB, c.TTL)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown cache driver %q", c.Driver)
}

func newFetcher(c config.FetchConfig, l *slog.Logger) (*scraper.Fetcher, error) {
	profile, err := fingerprint.ParseProfile(c.Fingerprint)
	if err != nil {
		return nil, err
	}

	var pool *proxy.Pool
	if len(c.Proxies) > 0 || c.ProxyFile != "" {
		pool = proxy.NewPool(proxy.Config{})
		if err := pool.Add(c.Proxies...); err != nil {
			return nil, fmt.Errorf("add proxies: %w", err)
		}
		if c.ProxyFile != "" {
			if err := pool.LoadFile(c.ProxyFile); err != nil {
				return nil, err
			}
		}
	}

	return scraper.NewFetcher(scraper.FetchConfig{
		Timeout:      c.Timeout,
		MaxRedirects: c.MaxRedirects,
		UseCookieJar: c.CookieJar,
		MaxBodyBytes: c.MaxBodyBytes,
		ProxyPool:    pool,
		UAPool:       useragent.NewPool(c.UserAgents, useragent.Strategy(c.UAStrategy), ""),
		Fingerprint:  profile,
		Limiter:      ratelimit.NewLimiter(c.RPS, c.Jitter),
		HostLimiter:  ratelimit.NewHostLimiter(c.HostRPS, c.HostBurst),
		Semaphore:    semaphore.NewWeighted(int64(max(c.Concurrency, 1))),
		Retry: backoff.Config{
			MaxRetries: c.Retries,
			Initial:    500 * time.Millisecond,
			Max:        10 * time.Second,
			Jitter:     0.2,
		},
		RespectRobots: c.RespectRobots,
		Logger:        l,
	})
}

func newProviders(c config.SearchConfig, fetcher serp.PageFetcher, l *slog.Logger) ([]serp.Provider, error) {
	retry := backoff.Config{MaxRetries: c.Retries, Initial: time.Second, Max: 30 * time.Second, Jitter: 0.2}
	var out []serp.Provider
	for _, name := range c.Providers {
		var p serp.Provider
		switch name {
		case "google":
			g, err := serp.NewGoogle(serp.GoogleConfig{APIKey: c.Google.APIKey, EngineID: c.Google.EngineID, Timeout: c.Timeout})
			if err != nil {
				return nil, err
			}
			p = g
		case "duckduckgo":
			p = serp.NewHTMLScraper(serp.HTMLConfig{BaseURL: c.HTMLBaseURL, PageSize: c.ResultsPerOperation}, fetcher)
		default:
			return nil, fmt.Errorf("unknown search provider %q", name)
		}
		out = append(out, serp.WithRetry(p, retry, l))
	}
	if len(out) == 0 {
		return nil, errors.New("no search providers configured")
	}
	return out, nil
}

func newEnricher(c config.EnrichConfig, store storage.Backend, l *slog.Logger) (*enricher.Enricher, error) {
	if !c.Enabled {
		return nil, nil
	}
	var chain []enricher.Provider
	if c.Endpoint != "" {
		p, err := enricher.NewHTTPProvider(enricher.HTTPConfig{Endpoint: c.Endpoint, APIKey: c.APIKey, Timeout: c.Timeout})
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
	}
	if c.PatternFallback {
		chain = append(chain, enricher.NewPatternProvider())
	}
	if len(chain) == 0 {
		return nil, nil
	}

	var p enricher.Provider = chain[0]
	if len(chain) > 1 {
		p = enricher.NewChain(chain...)
	}
	return enricher.New(p, store, enricher.Config{
		MaxConcurrent: c.MaxConcurrent,
		MaxPerWindow:  c.MaxPerWindow,
		Window:        c.Window,
		Retry:         backoff.Config{MaxRetries: c.Retries, Initial: time.Second, Max: 30 * time.Second, Jitter: 0.2},
		Logger:        l,
	}), nil
}

// buildEnv wires every component from c.
func buildEnv(ctx context.Context, c *config.Config, l *slog.Logger) (_ *env, err error) {
	if l == nil {
		l = slog.Default()
	}
	e := &env{}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	e.Store, err = openStore(ctx, c.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	e.closers = append(e.closers, e.Store.Close)

	fetcher, err := newFetcher(c.Fetch, l)
	if err != nil {
		return nil, fmt.Errorf("create fetcher: %w", err)
	}

	cache, closeCache, err := openCache(ctx, c.Cache)
	if err != nil {
		return nil, fmt.Errorf("open page cache: %w", err)
	}
	if closeCache != nil {
		e.closers = append(e.closers, closeCache)
	}
	var pages pipeline.PageFetcher = fetcher
	if cache != nil {
		pages = pagecache.Wrap(fetcher, cache, l)
	}

	providers, err := newProviders(c.Search, fetcher, l)
	if err != nil {
		return nil, fmt.Errorf("create search providers: %w", err)
	}
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	plan := planner.New(planner.Config{Providers: names, MaxPerProvider: c.Search.MaxPerProvider})

	enrich, err := newEnricher(c.Enrich, e.Store, l)
	if err != nil {
		return nil, fmt.Errorf("create enricher: %w", err)
	}

	pcfg := pipeline.Config{
		Planner:             plan,
		Providers:           providers,
		Fetcher:             pages,
		Extractor:           extractor.New(l),
		Resolver:            resolver.New(e.Store, resolver.NewKeyedMutex(), l),
		Enricher:            enrich,
		Store:               e.Store,
		SearchConcurrency:   c.Search.Concurrency,
		PageConcurrency:     c.Pipeline.PageConcurrency,
		ResultsPerOperation: c.Search.ResultsPerOperation,
		MaxSearchPages:      c.Search.MaxPages,
		MaxDomainLookups:    c.Pipeline.MaxDomainLookups,
		MaxSiteCrawls:       c.Pipeline.MaxSiteCrawls,
		MaxContactSearches:  c.Pipeline.MaxContactSearches,
		Logger:              l,
	}
	if c.Crawl.Enabled {
		pcfg.Crawler = scraper.NewSiteCrawler(scraper.CrawlConfig{
			MaxPages:    c.Crawl.MaxPages,
			Concurrency: c.Crawl.Concurrency,
			UseSitemaps: c.Crawl.UseSitemaps && c.Fetch.RespectRobots,
		}, fetcher, l)
	}
	e.Pipeline, err = pipeline.New(pcfg)
	if err != nil {
		return nil, err
	}

	e.Scheduler, err = scheduler.New(scheduler.Config{
		Runner:            e.Pipeline,
		Store:             e.Store,
		Planner:           plan,
		CheckFrequency:    c.Scheduler.CheckFrequency,
		PollInterval:      c.Scheduler.PollInterval,
		MaxConcurrentRuns: c.Scheduler.MaxConcurrentRuns,
		Logger:            l,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}
