package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oxffaa/gopher-parse-sitemap"
)

const (
	maxSitemapDepth = 2
	// maxSitemapEntries bounds how much of a large sitemap is scanned.
	maxSitemapEntries = 5000
)

var errSitemapFull = errors.New("sitemap entry limit reached")

// SitemapPage is one matching sitemap location.
type SitemapPage struct {
	URL          string
	LastModified time.Time
}

// SitemapFetcher reads a company's sitemaps looking for section pages.
type SitemapFetcher struct {
	fetcher *Fetcher
	logger  *slog.Logger
}

func NewSitemapFetcher(fetcher *Fetcher, logger *slog.Logger) *SitemapFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SitemapFetcher{fetcher: fetcher, logger: logger}
}

// SectionPages returns the locations in sitemapURL accepted by keep, most
// recently modified first. Entries without lastmod sort last in document
// order. Sitemap indexes are followed up to two levels.
func (s *SitemapFetcher) SectionPages(ctx context.Context, sitemapURL string, keep func(loc string) bool) ([]SitemapPage, error) {
	var pages []SitemapPage
	if err := s.collect(ctx, sitemapURL, 0, keep, &pages); err != nil {
		return nil, err
	}
	sort.SliceStable(pages, func(i, j int) bool {
		return pages[i].LastModified.After(pages[j].LastModified)
	})
	return pages, nil
}

func (s *SitemapFetcher) collect(ctx context.Context, sitemapURL string, depth int, keep func(string) bool, out *[]SitemapPage) error {
	page, err := s.fetcher.Fetch(ctx, sitemapURL)
	if err != nil {
		return fmt.Errorf("fetch sitemap %s: %w", sitemapURL, err)
	}

	scanned := 0
	err = sitemap.Parse(bytes.NewReader(page.Body), func(e sitemap.Entry) error {
		scanned++
		if scanned > maxSitemapEntries {
			return errSitemapFull
		}
		if loc := e.GetLocation(); keep == nil || keep(loc) {
			p := SitemapPage{URL: loc}
			if mod := e.GetLastModified(); mod != nil {
				p.LastModified = *mod
			}
			*out = append(*out, p)
		}
		return nil
	})
	if errors.Is(err, errSitemapFull) {
		s.logger.Debug("sitemap truncated", "url", sitemapURL, "limit", maxSitemapEntries)
		return nil
	}
	if err == nil && scanned > 0 {
		return nil
	}

	var nested []string
	indexErr := sitemap.ParseIndex(bytes.NewReader(page.Body), func(e sitemap.IndexEntry) error {
		nested = append(nested, e.GetLocation())
		return nil
	})
	if indexErr != nil || len(nested) == 0 {
		if err == nil {
			err = errors.New("no entries")
		}
		return fmt.Errorf("parse sitemap %s: %w", sitemapURL, err)
	}
	if depth >= maxSitemapDepth {
		s.logger.Debug("sitemap index nested too deep", "url", sitemapURL)
		return nil
	}

	for _, loc := range nested {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.collect(ctx, loc, depth+1, keep, out); err != nil {
			s.logger.Debug("nested sitemap skipped", "url", loc, "err", err)
		}
	}
	return nil
}
