package scraper

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"github.com/FranksOps/prospect/internal/storage"
)

// DefaultSectionHints are path fragments of company pages that tend to
// carry hiring, funding and leadership evidence.
var DefaultSectionHints = []string{
	"careers", "jobs", "join", "about", "company", "news", "press", "blog",
	"team", "leadership", "investors",
}

// CrawlConfig configures a SiteCrawler.
type CrawlConfig struct {
	// MaxPages caps the pages fetched per site, homepage included.
	MaxPages    int
	Concurrency int
	// SectionHints restrict follow-up pages to URLs whose path contains one
	// of these fragments. Empty means DefaultSectionHints.
	SectionHints []string
	// UseSitemaps adds matching sitemap entries (from robots.txt) to the
	// candidate set. Requires the fetcher to enforce robots.
	UseSitemaps bool
}

// SiteCrawler fetches a company homepage plus a handful of in-domain
// section pages. It never leaves the homepage's host.
type SiteCrawler struct {
	cfg      CrawlConfig
	fetcher  *Fetcher
	sitemaps *SitemapFetcher
	logger   *slog.Logger
}

// NewSiteCrawler creates a new shallow site crawler.
func NewSiteCrawler(cfg CrawlConfig, fetcher *Fetcher, logger *slog.Logger) *SiteCrawler {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 4
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if len(cfg.SectionHints) == 0 {
		cfg.SectionHints = DefaultSectionHints
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SiteCrawler{
		cfg:      cfg,
		fetcher:  fetcher,
		sitemaps: NewSitemapFetcher(fetcher, logger),
		logger:   logger,
	}
}

// Crawl fetches homepage and then up to MaxPages-1 section pages linked from
// it. Failed pages are returned alongside successful ones so callers can
// count them; the homepage failing ends the crawl early.
func (c *SiteCrawler) Crawl(ctx context.Context, homepage string) []*storage.RawPage {
	home, err := c.fetcher.Fetch(ctx, homepage)
	pages := []*storage.RawPage{home}
	if err != nil || c.cfg.MaxPages == 1 {
		return pages
	}

	base, err := url.Parse(homepage)
	if err != nil {
		return pages
	}

	visited := map[string]struct{}{normalizeLink(base): {}}
	var targets []string
	add := func(link string) {
		if len(targets) >= c.cfg.MaxPages-1 {
			return
		}
		u, err := url.Parse(link)
		if err != nil || !c.inScope(base, u) {
			return
		}
		key := normalizeLink(u)
		if _, seen := visited[key]; seen {
			return
		}
		visited[key] = struct{}{}
		targets = append(targets, key)
	}

	if isHTML(home) {
		for _, link := range extractLinks(base, home.Body) {
			add(link)
		}
	}
	if c.cfg.UseSitemaps && c.fetcher.Robots() != nil {
		for _, link := range c.sitemapLinks(ctx, base) {
			add(link)
		}
	}

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, target := range targets {
		g.Go(func() error {
			c.logger.Debug("fetching section page", "url", target)
			page, err := c.fetcher.Fetch(gCtx, target)
			if err != nil {
				c.logger.Debug("section page failed", "url", target, "err", err)
			}
			mu.Lock()
			pages = append(pages, page)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return pages
}

func (c *SiteCrawler) sitemapLinks(ctx context.Context, base *url.URL) []string {
	maps, _ := c.fetcher.Robots().SitemapExtracts(ctx, base.Scheme+"://"+base.Host)
	keep := func(loc string) bool {
		u, err := url.Parse(loc)
		return err == nil && c.inScope(base, u)
	}
	var links []string
	for _, sm := range maps {
		pages, err := c.sitemaps.SectionPages(ctx, sm, keep)
		if err != nil {
			c.logger.Debug("sitemap unavailable", "url", sm, "err", err)
			continue
		}
		for _, p := range pages {
			links = append(links, p.URL)
		}
	}
	return links
}

func (c *SiteCrawler) inScope(base, u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if !sameSite(base.Hostname(), u.Hostname()) {
		return false
	}
	path := strings.ToLower(u.Path)
	for _, hint := range c.cfg.SectionHints {
		if strings.Contains(path, hint) {
			return true
		}
	}
	return false
}

// sameSite treats www.acme.com and acme.com as the same host.
func sameSite(a, b string) bool {
	a = strings.TrimPrefix(strings.ToLower(a), "www.")
	b = strings.TrimPrefix(strings.ToLower(b), "www.")
	return a != "" && a == b
}

func normalizeLink(u *url.URL) string {
	n := *u
	n.Fragment = ""
	return n.String()
}

func isHTML(page *storage.RawPage) bool {
	if page == nil || page.Failed() {
		return false
	}
	ct := strings.ToLower(page.ContentType)
	return ct == "" || strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func extractLinks(base *url.URL, body []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var links []string
	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		u, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		links = append(links, base.ResolveReference(u).String())
	})
	return links
}
