// Package extractor turns fetched pages into candidate companies, contacts and
// buyer-intent signals. Everything here is pure computation over page bytes.
package extractor

import (
	"bytes"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/FranksOps/prospect/internal/storage"
)

// Source says which part of a page produced a candidate.
type Source string

const (
	SourceJSONLD Source = "jsonld"
	SourceMeta   Source = "meta"
	SourceProse  Source = "prose"
	SourceSearch Source = "search"
)

// CandidateCompany is an unresolved company mention.
type CandidateCompany struct {
	Name       string
	Domain     string
	Confidence float64
}

// CandidateContact is an unresolved person mention.
type CandidateContact struct {
	Name        string
	Title       string
	LinkedInURL string
	Confidence  float64
}

// Candidate pairs a company mention with the evidence found for it.
type Candidate struct {
	Company CandidateCompany
	Contact *CandidateContact
	Signal  storage.Signal
	Source  Source
}

const maxSnippet = 300

// Extractor parses pages. The zero value is not usable; call New.
type Extractor struct {
	triggers []trigger
	logger   *slog.Logger
}

// New creates an Extractor with the default trigger lexicon.
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{triggers: DefaultTriggers, logger: logger}
}

// Extract returns every candidate found on page: structured data first, then
// meta tags, then prose. Failed or non-HTML pages yield nothing.
func (e *Extractor) Extract(page *storage.RawPage) []Candidate {
	if page == nil || page.Failed() || len(page.Body) == 0 {
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		e.logger.Debug("unparseable page", "url", page.URL, "err", err)
		return nil
	}

	pageURL, _ := url.Parse(page.URL)
	owner := pageOwner{}
	if host := DomainOf(page.URL); host != "" && !IsAggregator(host) {
		owner.domain = host
	}

	var out []Candidate
	structured := e.fromJSONLD(doc, page.URL)
	for _, c := range structured {
		if c.Contact == nil && c.Company.Domain != "" && sameHost(c.Company.Domain, owner.domain) && owner.name == "" {
			owner.name = c.Company.Name
		}
	}
	out = append(out, structured...)

	meta := e.fromMeta(doc, page.URL, owner.domain)
	if meta != nil {
		if owner.name == "" {
			owner.name = meta.Company.Name
		}
		out = append(out, *meta)
	}

	out = append(out, e.fromProse(page, pageURL, owner)...)
	return dedupe(out)
}

type pageOwner struct {
	name   string
	domain string
}

// fromMeta builds a candidate for the site that published the page.
func (e *Extractor) fromMeta(doc *goquery.Document, pageURL, ownerDomain string) *Candidate {
	if ownerDomain == "" {
		return nil
	}
	siteName := metaContent(doc, "og:site_name")
	if siteName == "" {
		return nil
	}

	text := strings.TrimSpace(metaContent(doc, "og:title") + ". " + firstNonEmpty(metaContent(doc, "og:description"), metaContent(doc, "description")))
	kind, specificity, snippet := storage.SignalGeneric, SingleKeyword, text
	if t, sentence, ok := e.bestTrigger(text); ok {
		kind, specificity, snippet = t.kind, t.specificity(), sentence
	}

	return &Candidate{
		Company: CandidateCompany{Name: siteName, Domain: ownerDomain, Confidence: WeightMeta},
		Signal: storage.Signal{
			SourceURL:  pageURL,
			Snippet:    truncate(snippet),
			Type:       kind,
			Confidence: score(WeightMeta, specificity),
		},
		Source: SourceMeta,
	}
}

// bestTrigger returns the most specific trigger found in text and the
// sentence containing it.
func (e *Extractor) bestTrigger(text string) (trigger, string, bool) {
	for _, specificity := range []float64{SpecificPhrase, SingleKeyword} {
		for _, t := range e.triggers {
			if t.specificity() != specificity {
				continue
			}
			if m := FindTermMatches(text, []string{t.phrase}); len(m) > 0 {
				return t, m[0].Sentences[0], true
			}
		}
	}
	return trigger{}, "", false
}

func metaContent(doc *goquery.Document, name string) string {
	sel := doc.Find(`meta[property="` + name + `"]`)
	if sel.Length() == 0 {
		sel = doc.Find(`meta[name="` + name + `"]`)
	}
	v, _ := sel.First().Attr("content")
	return strings.TrimSpace(v)
}

// IsAggregator reports whether host publishes content about other companies.
func IsAggregator(host string) bool {
	host = strings.ToLower(strings.TrimPrefix(host, "www."))
	for _, a := range aggregatorHosts {
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

// DomainOf returns the bare host of a URL or domain string.
func DomainOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func sameHost(a, b string) bool {
	return a != "" && DomainOf(a) == DomainOf(b)
}

func score(weight, specificity float64) float64 {
	s := weight * specificity
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func truncate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxSnippet {
		return s
	}
	cut := strings.LastIndex(s[:maxSnippet], " ")
	if cut <= 0 {
		cut = maxSnippet
	}
	return s[:cut] + "…"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// dedupe drops repeated (company, signal) pairs, keeping the highest
// confidence, and returns candidates in a stable order.
func dedupe(cands []Candidate) []Candidate {
	type key struct {
		name, kind, snippet, contact string
	}
	best := map[key]int{}
	var out []Candidate
	for _, c := range cands {
		k := key{strings.ToLower(c.Company.Name), string(c.Signal.Type), c.Signal.Snippet, ""}
		if c.Contact != nil {
			k.contact = strings.ToLower(c.Contact.Name)
		}
		if i, ok := best[k]; ok {
			if c.Signal.Confidence > out[i].Signal.Confidence {
				out[i] = c
			}
			continue
		}
		best[k] = len(out)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Signal.Confidence > out[j].Signal.Confidence
	})
	return out
}
