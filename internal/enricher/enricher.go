// Package enricher fills contact details through an enrichment provider under
// a request budget.
package enricher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/FranksOps/prospect/internal/metrics"
	"github.com/FranksOps/prospect/internal/provider"
	"github.com/FranksOps/prospect/internal/storage"
	"github.com/FranksOps/prospect/pkg/backoff"
)

// Config is the provider's request budget.
type Config struct {
	// MaxConcurrent caps in-flight lookups. Default: 4.
	MaxConcurrent int
	// MaxPerWindow caps lookups started per Window. Zero means unlimited.
	MaxPerWindow int
	Window       time.Duration

	// Retry applies to rate_limited and unavailable errors.
	Retry backoff.Config

	Logger *slog.Logger
}

// Report summarizes one Enrich call.
type Report struct {
	Enriched int `json:"enriched"`
	Failed   int `json:"failed"`
	// Skipped counts contacts that were already enriched.
	Skipped int `json:"skipped"`
	// Pending counts contacts left untouched because the context ended.
	Pending int `json:"pending"`
	// QuotaExceeded is set when the provider ran out of quota mid-batch.
	QuotaExceeded bool `json:"quota_exceeded"`
	// RateLimited counts lookups that gave up while rate limited.
	RateLimited int `json:"rate_limited"`
}

// Incomplete is the number of contacts that did not end up enriched.
func (r Report) Incomplete() int {
	return r.Failed + r.Pending
}

// Enricher runs lookups for batches of contacts and persists the outcome.
type Enricher struct {
	provider Provider
	store    storage.Backend
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	retry    backoff.Config
	logger   *slog.Logger
}

// New creates an Enricher. The budget is shared by every Enrich call on the
// returned value.
func New(p Provider, store storage.Backend, cfg Config) *Enricher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.MaxPerWindow > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.Window/time.Duration(cfg.MaxPerWindow)), cfg.MaxPerWindow)
	}

	retry := cfg.Retry
	retry.ShouldRetry = provider.IsRetryable
	if retry.OnRetry == nil {
		retry.OnRetry = backoff.LogRetry(cfg.Logger, "enrich", "provider", p.Name())
	}

	return &Enricher{
		provider: p,
		store:    store,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiter:  limiter,
		retry:    retry,
		logger:   cfg.Logger,
	}
}

type outcome int

const (
	outcomeEnriched outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomePending
)

// Enrich looks up every contact that is not yet enriched. domainOf maps a
// company ID to its domain. Per-contact failures mark the contact failed and
// never abort the batch; quota exhaustion fails every contact not yet looked
// up. A store error is returned together with the partial report.
func (e *Enricher) Enrich(ctx context.Context, contacts []*storage.Contact, domainOf func(companyID string) string) (Report, error) {
	var (
		mu       sync.Mutex
		report   Report
		storeErr error
		quota    atomic.Bool
		wg       sync.WaitGroup
	)
	record := func(o outcome, rateLimited bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeEnriched:
			report.Enriched++
		case outcomeFailed:
			report.Failed++
		case outcomeSkipped:
			report.Skipped++
		case outcomePending:
			report.Pending++
		}
		if rateLimited {
			report.RateLimited++
		}
		if err != nil && storeErr == nil {
			storeErr = err
		}
	}

	for i, c := range contacts {
		if c.EnrichmentStatus == storage.EnrichmentEnriched {
			record(outcomeSkipped, false, nil)
			continue
		}
		if err := e.sem.Acquire(ctx, 1); err != nil {
			for _, rest := range contacts[i:] {
				if rest.EnrichmentStatus == storage.EnrichmentEnriched {
					record(outcomeSkipped, false, nil)
				} else {
					record(outcomePending, false, nil)
				}
			}
			break
		}
		wg.Add(1)
		go func(c *storage.Contact) {
			defer wg.Done()
			defer e.sem.Release(1)
			o, limited, err := e.enrichOne(ctx, c, domainOf(c.CompanyID), &quota)
			record(o, limited, err)
		}(c)
	}
	wg.Wait()

	report.QuotaExceeded = quota.Load()
	return report, storeErr
}

var errQuotaStop = errors.New("provider quota exhausted earlier in batch")

func (e *Enricher) enrichOne(ctx context.Context, c *storage.Contact, domain string, quota *atomic.Bool) (outcome, bool, error) {
	resp, err := backoff.DoVal(ctx, e.retry, func(ctx context.Context) (Response, error) {
		if quota.Load() {
			return Response{}, errQuotaStop
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return Response{}, err
		}
		return e.provider.Lookup(ctx, Request{Name: c.Name, Domain: domain})
	})

	kind := provider.KindOf(err)
	switch {
	case err == nil:
		metrics.RecordProvider(e.provider.Name(), "ok")
	case errors.Is(err, errQuotaStop):
	case kind != "":
		metrics.RecordProvider(e.provider.Name(), string(kind))
	}

	if err != nil && ctx.Err() != nil && kind == "" {
		return outcomePending, false, nil
	}
	if kind == provider.QuotaExceeded && !quota.Swap(true) {
		e.logger.Warn("enrichment quota exceeded, failing the rest of the batch", "provider", e.provider.Name())
	}

	status := storage.EnrichmentFailed
	if err == nil && resp.Found {
		status = storage.EnrichmentEnriched
	}
	if err != nil {
		e.logger.Debug("enrichment failed", "contact", c.Name, "domain", domain, "err", err)
	}

	updated := *c
	Apply(&updated, resp, status)
	if saveErr := e.save(ctx, &updated); saveErr != nil {
		return outcomeFailed, kind == provider.RateLimited, saveErr
	}
	*c = updated

	metrics.EnrichmentOutcomes.WithLabelValues(string(updated.EnrichmentStatus)).Inc()
	if updated.EnrichmentStatus == storage.EnrichmentEnriched {
		return outcomeEnriched, false, nil
	}
	return outcomeFailed, kind == provider.RateLimited, nil
}

// save persists c even when the run context has been cancelled, so that a
// finished lookup is never lost. An email already used by a sibling contact
// is dropped and the contact marked failed.
func (e *Enricher) save(ctx context.Context, c *storage.Contact) error {
	ctx = context.WithoutCancel(ctx)
	err := e.store.SaveContact(ctx, c)
	if errors.Is(err, storage.ErrConflict) && c.Email != "" {
		e.logger.Warn("enriched email already used by another contact", "contact", c.Name, "email", c.Email)
		c.Email, c.EmailConfidence = "", 0
		c.EnrichmentStatus = storage.EnrichmentFailed
		err = e.store.SaveContact(ctx, c)
	}
	if err != nil {
		return fmt.Errorf("save contact %s: %w", c.ID, err)
	}
	return nil
}

// Apply merges a lookup response into c and sets status. A contact that was
// already enriched keeps its email when resp is less confident, and never
// goes back to failed. Empty response fields never clear existing values.
func Apply(c *storage.Contact, resp Response, status storage.EnrichmentStatus) {
	wasEnriched := c.EnrichmentStatus == storage.EnrichmentEnriched

	if resp.Found {
		if resp.Email != "" && (!wasEnriched || c.Email == "" || resp.Confidence >= c.EmailConfidence) {
			c.Email, c.EmailConfidence = resp.Email, resp.Confidence
		}
		if resp.Title != "" && c.Title == "" {
			c.Title = resp.Title
		}
		if resp.LinkedInURL != "" && c.LinkedInURL == "" {
			c.LinkedInURL = resp.LinkedInURL
		}
	}

	if wasEnriched && status == storage.EnrichmentFailed {
		return
	}
	c.EnrichmentStatus = status
}
