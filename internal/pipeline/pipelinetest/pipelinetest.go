// Package pipelinetest provides in-memory search, page and enrichment
// providers for exercising whole pipeline runs in tests.
package pipelinetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/FranksOps/prospect/internal/enricher"
	"github.com/FranksOps/prospect/internal/provider"
	"github.com/FranksOps/prospect/internal/resolver"
	"github.com/FranksOps/prospect/internal/serp"
	"github.com/FranksOps/prospect/internal/storage"
)

// Search answers discovery, domain and contact searches from fixed data.
// Domain searches are operators ending in " official site"; contact searches
// start with "site:linkedin.com/in/". The company is the first quoted term,
// matched by normalized name.
type Search struct {
	mu        sync.Mutex
	name      string
	discovery []serp.Result
	sites     map[string]string
	profiles  map[string][]serp.Result
	err       error
	calls     []string
}

// NewSearch returns a provider called name with no results.
func NewSearch(name string) *Search {
	return &Search{name: name, sites: make(map[string]string), profiles: make(map[string][]serp.Result)}
}

// SetDiscovery replaces the results returned for every discovery operator.
func (s *Search) SetDiscovery(results ...serp.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discovery = results
}

// SetSite makes the domain search for company return https://domain/.
func (s *Search) SetSite(company, domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[resolver.NormalizeName(company)] = domain
}

// AddProfile makes contact searches for company return a LinkedIn profile
// titled "name - title at company | LinkedIn".
func (s *Search) AddProfile(company, name, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slug := strings.ToLower(strings.ReplaceAll(name, " ", "-"))
	key := resolver.NormalizeName(company)
	s.profiles[key] = append(s.profiles[key], serp.Result{
		URL:   "https://www.linkedin.com/in/" + slug,
		Title: fmt.Sprintf("%s - %s at %s | LinkedIn", name, title, company),
	})
}

// FailDiscovery makes discovery operators fail with err. Nil clears it.
func (s *Search) FailDiscovery(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns the operators searched so far.
func (s *Search) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Name implements serp.Provider.
func (s *Search) Name() string { return s.name }

// Search implements serp.Provider.
func (s *Search) Search(ctx context.Context, req serp.Request) (serp.Response, error) {
	if err := ctx.Err(); err != nil {
		return serp.Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req.Operator)

	company := resolver.NormalizeName(firstQuoted(req.Operator))
	switch {
	case strings.HasPrefix(req.Operator, "site:linkedin.com/in/"):
		return serp.Response{Results: append([]serp.Result(nil), s.profiles[company]...)}, nil
	case strings.HasSuffix(req.Operator, " official site"):
		if d, ok := s.sites[company]; ok {
			return serp.Response{Results: []serp.Result{{URL: "https://" + d + "/", Title: firstQuoted(req.Operator), Rank: 1}}}, nil
		}
		return serp.Response{}, nil
	case s.err != nil:
		return serp.Response{}, s.err
	default:
		return serp.Response{Results: append([]serp.Result(nil), s.discovery...)}, nil
	}
}

func firstQuoted(op string) string {
	start := strings.IndexByte(op, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(op[start+1:], '"')
	if end < 0 {
		return ""
	}
	return op[start+1 : start+1+end]
}

// Pages serves HTML bodies by URL. Unknown URLs fail with http_error 404.
type Pages struct {
	mu    sync.Mutex
	pages map[string]string
	hits  map[string]int
}

// NewPages returns an empty page set.
func NewPages() *Pages {
	return &Pages{pages: make(map[string]string), hits: make(map[string]int)}
}

// Set serves body at url.
func (p *Pages) Set(url, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages[url] = body
}

// Hits returns how often url was fetched.
func (p *Pages) Hits(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[url]
}

// Fetch satisfies pipeline.PageFetcher.
func (p *Pages) Fetch(ctx context.Context, url string) (*storage.RawPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hits[url]++
	body, ok := p.pages[url]
	if !ok {
		return &storage.RawPage{URL: url, HTTPStatus: 404, ErrKind: storage.FetchHTTPError, Error: "not found"},
			fmt.Errorf("fetch %s: not found", url)
	}
	return &storage.RawPage{
		URL:         url,
		Body:        []byte(body),
		ContentHash: storage.ContentHash([]byte(body)),
		ContentType: "text/html",
		HTTPStatus:  200,
	}, nil
}

// JobPostingPage is an HTML page whose JSON-LD advertises a job at company.
func JobPostingPage(company, domain, title string) string {
	return fmt.Sprintf(`<html><head><script type="application/ld+json">
{"@context":"https://schema.org","@type":"JobPosting","title":%q,
 "hiringOrganization":{"@type":"Organization","name":%q,"url":"https://%s"}}
</script></head><body></body></html>`, title, company, domain)
}

// Enrichment finds the addresses registered with Add and reports every other
// person as not found.
type Enrichment struct {
	mu     sync.Mutex
	emails map[string]string
	calls  int
}

// NewEnrichment returns an Enrichment that knows nobody.
func NewEnrichment() *Enrichment {
	return &Enrichment{emails: make(map[string]string)}
}

// Add registers email for the person called name.
func (e *Enrichment) Add(name, email string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emails[name] = email
}

// Calls returns the number of lookups served.
func (e *Enrichment) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Name implements enricher.Provider.
func (e *Enrichment) Name() string { return "stub" }

// Lookup implements enricher.Provider.
func (e *Enrichment) Lookup(ctx context.Context, req enricher.Request) (enricher.Response, error) {
	if err := ctx.Err(); err != nil {
		return enricher.Response{}, err
	}
	if req.Domain == "" {
		return enricher.Response{}, &provider.Error{Provider: e.Name(), Kind: provider.MalformedRequest}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	email, ok := e.emails[req.Name]
	if !ok {
		return enricher.Response{}, nil
	}
	return enricher.Response{Found: true, Email: email, Confidence: 0.9}, nil
}
