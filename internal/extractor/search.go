package extractor

import (
	"strings"

	"github.com/FranksOps/prospect/internal/serp"
	"github.com/FranksOps/prospect/internal/storage"
)

var titleSeparators = []string{" - ", " \u2013 ", " \u2014 ", " | "}

// ExtractSearchResults reads candidates straight from result titles and
// snippets. LinkedIn profile hits ("Name - Title at Company | LinkedIn")
// become contacts; other hits are scanned for triggers like prose.
func (e *Extractor) ExtractSearchResults(results []serp.Result) []Candidate {
	var out []Candidate
	for _, r := range results {
		if strings.Contains(r.URL, "linkedin.com/in/") {
			if c, ok := profileCandidate(r); ok {
				out = append(out, c)
			}
			continue
		}

		owner := pageOwner{}
		if host := DomainOf(r.URL); host != "" && !IsAggregator(host) {
			owner.domain = host
			if name := siteNameFromTitle(r.Title); NameMatchesDomain(name, host) {
				owner.name = name
			}
		}
		text := strings.TrimSpace(r.Title + ". " + r.Snippet)
		for _, s := range splitIntoSentences(text) {
			if c, ok := e.sentenceCandidate(s.original, owner, r.URL, WeightSearch, SourceSearch); ok {
				out = append(out, c)
			}
		}
	}
	return dedupe(out)
}

// ParseProfileTitle splits a LinkedIn result title into name, job title and
// company. ok is false when the title does not name both a person and a
// company.
func ParseProfileTitle(title string) (name, jobTitle, company string, ok bool) {
	title = strings.TrimSpace(title)
	for _, suffix := range []string{" | LinkedIn", " - LinkedIn", " \u2013 LinkedIn"} {
		title = strings.TrimSuffix(title, suffix)
	}

	parts := splitTitle(title)
	switch {
	case len(parts) >= 3:
		name, jobTitle, company = parts[0], parts[1], parts[2]
	case len(parts) == 2:
		name = parts[0]
		jobTitle, company = splitAt(parts[1])
	default:
		return "", "", "", false
	}
	if t, c := splitAt(jobTitle); c != "" && company == "" {
		jobTitle, company = t, c
	}
	name = strings.TrimSpace(name)
	company = strings.TrimSpace(company)
	if name == "" || company == "" {
		return "", "", "", false
	}
	return name, strings.TrimSpace(jobTitle), company, true
}

func profileCandidate(r serp.Result) (Candidate, bool) {
	name, title, company, ok := ParseProfileTitle(r.Title)
	if !ok {
		return Candidate{}, false
	}
	return Candidate{
		Company: CandidateCompany{Name: company, Confidence: WeightSearch},
		Contact: &CandidateContact{
			Name:        name,
			Title:       title,
			LinkedInURL: r.URL,
			Confidence:  WeightSearch,
		},
		Signal: storage.Signal{
			SourceURL:  r.URL,
			Snippet:    truncate(firstNonEmpty(r.Snippet, r.Title)),
			Type:       storage.SignalGeneric,
			Confidence: score(WeightSearch, SingleKeyword),
		},
		Source: SourceSearch,
	}, true
}

// DomainFromResults picks the website of company from a domain discovery
// search: the first non-aggregator hit whose host spells the company name.
func DomainFromResults(results []serp.Result, company string) string {
	for _, r := range results {
		host := DomainOf(r.URL)
		if host == "" || IsAggregator(host) {
			continue
		}
		if NameMatchesDomain(company, host) {
			return host
		}
	}
	return ""
}

func splitTitle(title string) []string {
	parts := []string{title}
	for _, sep := range titleSeparators {
		var next []string
		for _, p := range parts {
			next = append(next, strings.Split(p, sep)...)
		}
		parts = next
	}
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitAt splits "Head of Data at Acme" into ("Head of Data", "Acme").
func splitAt(s string) (string, string) {
	if i := strings.LastIndex(s, " at "); i >= 0 {
		return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+4:])
	}
	return s, ""
}

// siteNameFromTitle guesses the site name from "Careers | Acme Pharma" style
// titles: the last segment, or the first when only one exists.
func siteNameFromTitle(title string) string {
	parts := splitTitle(title)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}
