// Package pipeline runs one discovery pass for a query: plan, search, fetch
// and extract, resolve, discover contacts, enrich, and append leads.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"

	"github.com/FranksOps/prospect/internal/enricher"
	"github.com/FranksOps/prospect/internal/extractor"
	"github.com/FranksOps/prospect/internal/metrics"
	"github.com/FranksOps/prospect/internal/planner"
	"github.com/FranksOps/prospect/internal/provider"
	"github.com/FranksOps/prospect/internal/resolver"
	"github.com/FranksOps/prospect/internal/serp"
	"github.com/FranksOps/prospect/internal/storage"
)

// Stage is the step a run is in.
type Stage string

const (
	StagePlanning   Stage = "planning"
	StageFetching   Stage = "fetching"
	StageExtracting Stage = "extracting"
	StageResolving  Stage = "resolving"
	StageEnriching  Stage = "enriching"
)

// PageFetcher retrieves one page. Failures come back as a page with ErrKind
// set plus an error; scraper.Fetcher and pagecache.Fetcher satisfy it.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*storage.RawPage, error)
}

// SiteCrawler fetches a company homepage and a few section pages.
type SiteCrawler interface {
	Crawl(ctx context.Context, homepage string) []*storage.RawPage
}

// Config wires a Pipeline. Planner, Providers, Fetcher, Store and Resolver
// are required.
type Config struct {
	Planner   *planner.Planner
	Providers []serp.Provider
	Fetcher   PageFetcher
	// Crawler visits the websites of companies new to the query. Optional.
	Crawler   SiteCrawler
	Extractor *extractor.Extractor
	Resolver  *resolver.Resolver
	// Enricher fills contact details. Nil leaves contacts pending.
	Enricher *enricher.Enricher
	Store    storage.Backend

	// SearchConcurrency bounds concurrent provider calls. Default: 4.
	SearchConcurrency int
	// PageConcurrency bounds concurrent fetch+extract tasks. Default: 8.
	PageConcurrency int
	// ResultsPerOperation is the page size asked from providers. Default: 10.
	ResultsPerOperation int
	// MaxSearchPages caps result pages followed per operation. Default: 1.
	MaxSearchPages int
	// MaxDomainLookups caps domain discovery searches per run. Default: 10.
	MaxDomainLookups int
	// MaxSiteCrawls caps company websites crawled per run. Default: 5.
	MaxSiteCrawls int
	// MaxContactSearches caps contact x-ray searches per run. Default: 10.
	MaxContactSearches int

	Logger *slog.Logger
}

// Pipeline runs discovery passes. It is safe for concurrent use by runs of
// different queries.
type Pipeline struct {
	cfg       Config
	providers map[string]serp.Provider
	logger    *slog.Logger
	now       func() time.Time
}

// New validates cfg and creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Planner == nil:
		return nil, errors.New("pipeline: planner is required")
	case len(cfg.Providers) == 0:
		return nil, errors.New("pipeline: at least one search provider is required")
	case cfg.Fetcher == nil:
		return nil, errors.New("pipeline: fetcher is required")
	case cfg.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case cfg.Resolver == nil:
		return nil, errors.New("pipeline: resolver is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Extractor == nil {
		cfg.Extractor = extractor.New(cfg.Logger)
	}
	cfg.SearchConcurrency = positive(cfg.SearchConcurrency, 4)
	cfg.PageConcurrency = positive(cfg.PageConcurrency, 8)
	cfg.ResultsPerOperation = positive(cfg.ResultsPerOperation, 10)
	cfg.MaxSearchPages = positive(cfg.MaxSearchPages, 1)
	cfg.MaxDomainLookups = positive(cfg.MaxDomainLookups, 10)
	cfg.MaxSiteCrawls = positive(cfg.MaxSiteCrawls, 5)
	cfg.MaxContactSearches = positive(cfg.MaxContactSearches, 10)

	providers := make(map[string]serp.Provider, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.Name()] = p
	}
	return &Pipeline{cfg: cfg, providers: providers, logger: cfg.Logger, now: time.Now}, nil
}

// ProviderNames returns the configured provider names in order.
func (p *Pipeline) ProviderNames() []string {
	names := make([]string, len(p.cfg.Providers))
	for i, prov := range p.cfg.Providers {
		names[i] = prov.Name()
	}
	return names
}

// Run performs one pass for q, which is not modified. progress, when set, is
// called as the run enters each stage. The returned summary is never nil and
// carries partial results when err is a store failure or cancellation. A
// planning failure is returned as *planner.PlanningError.
func (p *Pipeline) Run(ctx context.Context, q *storage.Query, progress func(Stage)) (*RunSummary, error) {
	if progress == nil {
		progress = func(Stage) {}
	}
	r := &run{
		Pipeline: p,
		query:    q,
		summary: &RunSummary{
			QueryID:   q.ID,
			Cycle:     q.Cycle + 1,
			StartedAt: p.now().UTC(),
			Intent:    q.ParsedIntent,
		},
		producers: make(map[string][]string),
	}
	err := r.execute(ctx, progress)
	r.summary.FinishedAt = p.now().UTC()
	r.summary.finish()

	outcome := "ok"
	switch {
	case err != nil && ctx.Err() != nil:
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
	case len(r.summary.Degraded) > 0:
		outcome = "degraded"
	}
	metrics.RunDuration.WithLabelValues(outcome).Observe(r.summary.FinishedAt.Sub(r.summary.StartedAt).Seconds())

	if err != nil {
		p.logger.Error("pipeline run failed", "query_id", q.ID, "cycle", r.summary.Cycle, "err", err)
	} else {
		p.logger.Info("pipeline run completed", "query_id", q.ID, "cycle", r.summary.Cycle,
			"companies", r.summary.Companies, "new_leads", r.summary.LeadsCreated, "degraded", len(r.summary.Degraded))
	}
	return r.summary, err
}

// run is the state of one Run call.
type run struct {
	*Pipeline
	query   *storage.Query
	summary *RunSummary

	// producers maps a page URL to the operators whose results listed it.
	producers map[string][]string
	// productive collects operators that yielded at least one company.
	productive []string

	mu sync.Mutex
}

// searchFailed records a provider failure from any goroutine of the run.
func (r *run) searchFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.recordSearchError(err)
}

func (r *run) execute(ctx context.Context, progress func(Stage)) error {
	progress(StagePlanning)
	var prior *storage.ParsedIntent
	if !intentEmpty(r.query.ParsedIntent) {
		prior = &r.query.ParsedIntent
	}
	ops, intent, err := r.cfg.Planner.Plan(r.query.ID, r.query.Text, prior)
	if err != nil {
		return err
	}
	ops = r.cfg.Planner.Remember(ops, r.query.SuccessfulOperators)
	r.summary.Intent = intent
	r.summary.Operations = len(ops)

	progress(StageFetching)
	results := r.search(ctx, ops)
	candidates := r.fetchAndExtract(ctx, results)
	if err := ctx.Err(); err != nil {
		return err
	}

	progress(StageExtracting)
	existing, err := r.cfg.Store.CompaniesForQuery(ctx, r.query.ID)
	if err != nil {
		return fmt.Errorf("load companies for query %s: %w", r.query.ID, err)
	}
	candidates = append(candidates, r.discoverDomains(ctx, existing, candidates)...)
	candidates = append(candidates, r.crawlSites(ctx, existing, candidates)...)
	if err := ctx.Err(); err != nil {
		return err
	}
	r.summary.Candidates = len(candidates)

	progress(StageResolving)
	res := resolver.Resolve(existing, candidates)
	r.summary.Conflicts = len(res.Conflicts)
	committed, err := r.cfg.Resolver.Commit(ctx, r.query.ID, res)
	r.summary.Companies = len(committed)
	for _, c := range committed {
		if c.NewToQuery {
			r.summary.NewCompanies++
		}
	}
	if err != nil {
		return fmt.Errorf("commit companies: %w", err)
	}
	r.summary.SuccessfulOperators = r.productiveOperators(ops)

	progress(StageEnriching)
	if err := r.discoverContacts(ctx, committed, intent); err != nil {
		return err
	}
	if err := r.enrich(ctx, committed); err != nil {
		return err
	}
	return r.appendLeads(ctx)
}

type searchOutcome struct {
	index   int
	op      planner.SearchOperation
	results []serp.Result
	err     error
}

// search runs every operation on its provider. Failures are counted and
// never stop sibling operations.
func (r *run) search(ctx context.Context, ops []planner.SearchOperation) []searchOutcome {
	tasks := pool.NewWithResults[searchOutcome]().WithMaxGoroutines(r.cfg.SearchConcurrency)
	for i, op := range ops {
		tasks.Go(func() searchOutcome {
			out := searchOutcome{index: i, op: op}
			prov, ok := r.providers[op.Provider]
			if !ok {
				out.err = &provider.Error{Provider: op.Provider, Kind: provider.MalformedRequest, Err: errors.New("unknown provider")}
				return out
			}
			if ctx.Err() != nil {
				out.err = ctx.Err()
				return out
			}
			out.results, out.err = serp.Collect(ctx, prov, serp.Request{Operator: op.Operator, Limit: r.cfg.ResultsPerOperation}, r.cfg.MaxSearchPages)
			return out
		})
	}
	outcomes := tasks.Wait()
	slices.SortFunc(outcomes, func(a, b searchOutcome) int { return a.index - b.index })

	for _, o := range outcomes {
		if o.err != nil {
			r.searchFailed(o.err)
			r.logger.Warn("search operation failed", "query_id", r.query.ID, "provider", o.op.Provider, "operator", o.op.Operator, "err", o.err)
		}
		for _, res := range o.results {
			r.producers[res.URL] = append(r.producers[res.URL], o.op.Operator)
		}
	}
	return outcomes
}

type pageOutcome struct {
	url        string
	failed     bool
	candidates []extractor.Candidate
}

// fetchAndExtract reads candidates from result snippets and from every
// result page.
func (r *run) fetchAndExtract(ctx context.Context, outcomes []searchOutcome) []extractor.Candidate {
	var (
		candidates []extractor.Candidate
		urls       []string
		seen       = make(map[string]bool)
	)
	for _, o := range outcomes {
		for _, c := range r.cfg.Extractor.ExtractSearchResults(o.results) {
			candidates = append(candidates, c)
			r.credit(c.Signal.SourceURL, c)
		}
		for _, res := range o.results {
			if res.URL == "" || seen[res.URL] {
				continue
			}
			seen[res.URL] = true
			urls = append(urls, res.URL)
		}
	}

	for _, po := range r.fetchPages(ctx, urls) {
		if po.failed {
			r.summary.PagesFailed++
			continue
		}
		r.summary.PagesFetched++
		for _, c := range po.candidates {
			r.credit(po.url, c)
		}
		candidates = append(candidates, po.candidates...)
	}
	return candidates
}

func (r *run) fetchPages(ctx context.Context, urls []string) []pageOutcome {
	tasks := pool.NewWithResults[pageOutcome]().WithMaxGoroutines(r.cfg.PageConcurrency)
	for _, u := range urls {
		tasks.Go(func() pageOutcome {
			if ctx.Err() != nil {
				return pageOutcome{url: u, failed: true}
			}
			page, err := r.cfg.Fetcher.Fetch(ctx, u)
			if err != nil || page == nil || page.Failed() {
				r.logger.Debug("page skipped", "url", u, "err", err)
				return pageOutcome{url: u, failed: true}
			}
			return pageOutcome{url: u, candidates: r.cfg.Extractor.Extract(page)}
		})
	}
	return tasks.Wait()
}

// credit remembers that the operators which surfaced sourceURL produced c.
func (r *run) credit(sourceURL string, c extractor.Candidate) {
	if c.Company.Name == "" {
		return
	}
	for _, op := range r.producers[sourceURL] {
		if !slices.Contains(r.productive, op) {
			r.productive = append(r.productive, op)
		}
	}
}

func (r *run) productiveOperators(ops []planner.SearchOperation) []string {
	var out []string
	for _, op := range ops {
		if slices.Contains(r.productive, op.Operator) && !slices.Contains(out, op.Operator) {
			out = append(out, op.Operator)
		}
	}
	return out
}

// discoverDomains searches for the website of companies known only by name.
// The candidates it returns carry no signal; they let Resolve attach the
// domain to every mention of the name.
func (r *run) discoverDomains(ctx context.Context, existing []*storage.Company, candidates []extractor.Candidate) []extractor.Candidate {
	var names []string
	for _, rc := range resolver.Resolve(existing, candidates).Companies {
		if rc.Company.Domain == "" && len(names) < r.cfg.MaxDomainLookups {
			names = append(names, rc.Company.Name)
		}
	}
	if len(names) == 0 {
		return nil
	}

	prov := r.cfg.Providers[0]
	found := make([]extractor.Candidate, len(names))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.SearchConcurrency)
	for i, name := range names {
		g.Go(func() error {
			results, err := serp.Collect(gCtx, prov, serp.Request{Operator: planner.DomainOperation(name), Limit: r.cfg.ResultsPerOperation}, 1)
			if err != nil {
				r.searchFailed(err)
				r.logger.Debug("domain discovery failed", "company", name, "err", err)
				return nil
			}
			if domain := extractor.DomainFromResults(results, name); domain != "" {
				found[i] = extractor.Candidate{
					Company: extractor.CandidateCompany{Name: name, Domain: domain, Confidence: extractor.WeightSearch},
					Source:  extractor.SourceSearch,
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []extractor.Candidate
	for _, c := range found {
		if c.Company.Domain != "" {
			out = append(out, c)
		}
	}
	return out
}

// crawlSites visits the websites of companies not yet linked to the query
// and attributes first-party evidence found there to the company.
func (r *run) crawlSites(ctx context.Context, existing []*storage.Company, candidates []extractor.Candidate) []extractor.Candidate {
	if r.cfg.Crawler == nil {
		return nil
	}
	var targets []storage.Company
	for _, rc := range resolver.Resolve(existing, candidates).Companies {
		if !rc.Existing && rc.Company.Domain != "" && len(targets) < r.cfg.MaxSiteCrawls {
			targets = append(targets, rc.Company)
		}
	}

	type crawlOutcome struct {
		candidates []extractor.Candidate
		fetched    int
		failed     int
	}
	tasks := pool.NewWithResults[crawlOutcome]().WithMaxGoroutines(r.cfg.SearchConcurrency)
	for _, company := range targets {
		tasks.Go(func() crawlOutcome {
			var out crawlOutcome
			for _, page := range r.cfg.Crawler.Crawl(ctx, "https://"+company.Domain) {
				if page == nil || page.Failed() {
					out.failed++
					continue
				}
				out.fetched++
				for _, c := range r.cfg.Extractor.Extract(page) {
					if !sameCompany(c, company) {
						continue
					}
					c.Company.Name, c.Company.Domain = company.Name, company.Domain
					c.Company.Confidence = company.NameConfidence
					out.candidates = append(out.candidates, c)
				}
			}
			return out
		})
	}

	var out []extractor.Candidate
	for _, o := range tasks.Wait() {
		out = append(out, o.candidates...)
		r.summary.PagesFetched += o.fetched
		r.summary.PagesFailed += o.failed
	}
	return out
}

// sameCompany reports whether c, found on company's own website, is about it.
func sameCompany(c extractor.Candidate, company storage.Company) bool {
	if c.Company.Domain != "" {
		return resolver.NormalizeDomain(c.Company.Domain) == resolver.NormalizeDomain(company.Domain)
	}
	return resolver.NormalizeName(c.Company.Name) == resolver.NormalizeName(company.Name)
}

// discoverContacts looks for decision makers at committed companies that
// have no contact yet.
func (r *run) discoverContacts(ctx context.Context, committed []resolver.Committed, intent storage.ParsedIntent) error {
	roles := planner.DecisionMakers(intent)
	type search struct {
		company *storage.Company
		role    string
	}
	var searches []search
	for _, c := range committed {
		if len(c.Contacts) > 0 {
			continue
		}
		have, err := r.cfg.Store.ContactsForCompany(ctx, c.Company.ID)
		if err != nil {
			return fmt.Errorf("list contacts of %s: %w", c.Company.ID, err)
		}
		if len(have) > 0 {
			continue
		}
		for _, role := range roles {
			if len(searches) >= r.cfg.MaxContactSearches {
				break
			}
			searches = append(searches, search{company: c.Company, role: role})
		}
	}
	if len(searches) == 0 {
		return nil
	}

	prov := r.cfg.Providers[0]
	found := make([][]resolver.ResolvedContact, len(searches))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.SearchConcurrency)
	for i, s := range searches {
		g.Go(func() error {
			results, err := serp.Collect(gCtx, prov, serp.Request{Operator: planner.ContactOperation(s.company.Name, s.role), Limit: r.cfg.ResultsPerOperation}, 1)
			if err != nil {
				r.searchFailed(err)
				r.logger.Debug("contact search failed", "company", s.company.Name, "role", s.role, "err", err)
				return nil
			}
			for _, c := range r.cfg.Extractor.ExtractSearchResults(results) {
				if c.Contact == nil || resolver.NormalizeName(c.Company.Name) != resolver.NormalizeName(s.company.Name) {
					continue
				}
				found[i] = append(found[i], resolver.ResolvedContact{
					Name:        c.Contact.Name,
					Title:       c.Contact.Title,
					LinkedInURL: c.Contact.LinkedInURL,
					Confidence:  c.Contact.Confidence,
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, s := range searches {
		if len(found[i]) == 0 {
			continue
		}
		if _, err := r.cfg.Resolver.AddContacts(ctx, s.company, found[i]); err != nil {
			return fmt.Errorf("add contacts: %w", err)
		}
	}
	return ctx.Err()
}

// enrich runs the enricher over every contact of the committed companies
// that is not enriched yet.
func (r *run) enrich(ctx context.Context, committed []resolver.Committed) error {
	domains := make(map[string]string, len(committed))
	var contacts []*storage.Contact
	for _, c := range committed {
		domains[c.Company.ID] = c.Company.Domain
		have, err := r.cfg.Store.ContactsForCompany(ctx, c.Company.ID)
		if err != nil {
			return fmt.Errorf("list contacts of %s: %w", c.Company.ID, err)
		}
		for _, ct := range have {
			if ct.EnrichmentStatus != storage.EnrichmentEnriched {
				contacts = append(contacts, ct)
			}
		}
	}
	r.summary.Contacts = len(contacts)
	if r.cfg.Enricher == nil || len(contacts) == 0 {
		return nil
	}

	report, err := r.cfg.Enricher.Enrich(ctx, contacts, func(id string) string { return domains[id] })
	r.summary.Enrichment = report
	if err != nil {
		return fmt.Errorf("enrich contacts: %w", err)
	}
	return ctx.Err()
}

// appendLeads creates the leads the query is missing: one for every contact
// of a linked company that no lead references yet, and one without a contact
// for a linked company that has neither leads nor contacts. Existing leads are
// never changed, so a company first surfaced without a contact keeps that lead
// when a contact turns up in a later run. Companies linked by an interrupted
// earlier run are picked up here too.
func (r *run) appendLeads(ctx context.Context) error {
	companies, err := r.cfg.Store.CompaniesForQuery(ctx, r.query.ID)
	if err != nil {
		return fmt.Errorf("load companies for query %s: %w", r.query.ID, err)
	}
	leads, err := r.cfg.Store.LeadsForQuery(ctx, r.query.ID)
	if err != nil {
		return fmt.Errorf("load leads for query %s: %w", r.query.ID, err)
	}
	hasLead := make(map[string]bool, len(leads))
	referenced := make(map[string]bool, len(leads))
	for _, l := range leads {
		hasLead[l.CompanyID] = true
		if l.ContactID != "" {
			referenced[l.ContactID] = true
		}
	}

	for _, c := range companies {
		contacts, err := r.cfg.Store.ContactsForCompany(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("list contacts of %s: %w", c.ID, err)
		}
		var contactIDs []string
		for _, ct := range contacts {
			if !referenced[ct.ID] {
				contactIDs = append(contactIDs, ct.ID)
			}
		}
		if len(contacts) == 0 && !hasLead[c.ID] {
			contactIDs = []string{""}
		}
		for _, cid := range contactIDs {
			lead := &storage.Lead{
				ID:        storage.NewID(),
				QueryID:   r.query.ID,
				CompanyID: c.ID,
				ContactID: cid,
				Cycle:     r.summary.Cycle,
				CreatedAt: r.now().UTC(),
			}
			if err := r.cfg.Store.AppendLead(ctx, lead); err != nil {
				return fmt.Errorf("append lead: %w", err)
			}
			r.summary.LeadsCreated++
			metrics.LeadsCreated.Inc()
		}
	}
	return nil
}

func intentEmpty(i storage.ParsedIntent) bool {
	return len(i.Keywords) == 0 && len(i.Industries) == 0 && len(i.Roles) == 0 && len(i.SignalTypes) == 0
}

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
