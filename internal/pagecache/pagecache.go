// Package pagecache keeps recently fetched pages so that refreshes inside the
// TTL do not hit the network again.
package pagecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/FranksOps/prospect/internal/metrics"
	"github.com/FranksOps/prospect/internal/storage"
)

// Cache stores successful pages by URL.
type Cache interface {
	// Get returns the cached page for url. A miss is (nil, nil).
	Get(ctx context.Context, url string) (*storage.RawPage, error)
	Put(ctx context.Context, page *storage.RawPage) error
}

// PageFetcher is the subset of scraper.Fetcher the cache wraps.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*storage.RawPage, error)
}

// DefaultTTL is used when a cache is built with a zero TTL.
const DefaultTTL = 6 * time.Hour

// Fetcher serves pages from a Cache and falls back to the wrapped fetcher.
// Failed pages are never cached. Cache errors are logged and treated as a miss.
type Fetcher struct {
	next   PageFetcher
	cache  Cache
	logger *slog.Logger
}

// Wrap returns next fronted by cache.
func Wrap(next PageFetcher, cache Cache, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{next: next, cache: cache, logger: logger}
}

// Fetch implements PageFetcher.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*storage.RawPage, error) {
	page, err := f.cache.Get(ctx, url)
	switch {
	case err != nil:
		f.logger.Warn("page cache read failed", "url", url, "err", err)
		metrics.PageCache.WithLabelValues("error").Inc()
	case page != nil:
		metrics.PageCache.WithLabelValues("hit").Inc()
		return page, nil
	default:
		metrics.PageCache.WithLabelValues("miss").Inc()
	}

	page, err = f.next.Fetch(ctx, url)
	if err != nil || page == nil || page.Failed() {
		return page, err
	}
	if err := f.cache.Put(ctx, page); err != nil {
		f.logger.Warn("page cache write failed", "url", url, "err", err)
	}
	return page, nil
}

// keyFor hashes url so arbitrary URLs make safe, bounded keys.
func keyFor(prefix, url string) string {
	sum := sha256.Sum256([]byte(url))
	return prefix + hex.EncodeToString(sum[:])
}
