package extractor

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/FranksOps/prospect/internal/storage"
)

var organizationTypes = map[string]struct{}{
	"Organization": {}, "Corporation": {}, "LocalBusiness": {}, "MedicalOrganization": {},
	"NGO": {}, "EducationalOrganization": {},
}

var articleTypes = map[string]struct{}{
	"NewsArticle": {}, "Article": {}, "BlogPosting": {}, "PressRelease": {}, "Report": {},
}

// fromJSONLD walks every ld+json block on the page.
func (e *Extractor) fromJSONLD(doc *goquery.Document, pageURL string) []Candidate {
	var out []Candidate
	doc.Find(`script[type="application/ld+json"]`).Each(func(i int, s *goquery.Selection) {
		var raw any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &raw); err != nil {
			e.logger.Debug("invalid json-ld block", "url", pageURL, "err", err)
			return
		}
		for _, node := range flattenNodes(raw) {
			out = append(out, e.fromNode(node, pageURL)...)
		}
	})
	return out
}

// flattenNodes unwraps top-level arrays and @graph containers.
func flattenNodes(raw any) []map[string]any {
	switch v := raw.(type) {
	case []any:
		var out []map[string]any
		for _, item := range v {
			out = append(out, flattenNodes(item)...)
		}
		return out
	case map[string]any:
		if graph, ok := v["@graph"]; ok {
			return flattenNodes(graph)
		}
		return []map[string]any{v}
	}
	return nil
}

func (e *Extractor) fromNode(node map[string]any, pageURL string) []Candidate {
	switch {
	case hasType(node, organizationTypes):
		org, ok := orgOf(node)
		if !ok {
			return nil
		}
		snippet := firstNonEmpty(str(node["description"]), org.Name)
		return []Candidate{{
			Company: org,
			Signal:  storage.Signal{SourceURL: pageURL, Snippet: truncate(snippet), Type: storage.SignalGeneric, Confidence: score(WeightJSONLD, SingleKeyword)},
			Source:  SourceJSONLD,
		}}

	case hasType(node, map[string]struct{}{"JobPosting": {}}):
		org, ok := orgOf(node["hiringOrganization"])
		if !ok {
			return nil
		}
		title := str(node["title"])
		snippet := "Hiring"
		if title != "" {
			snippet = "Hiring: " + title
		}
		return []Candidate{{
			Company: org,
			Signal:  storage.Signal{SourceURL: pageURL, Snippet: truncate(snippet), Type: storage.SignalHiring, Confidence: score(WeightJSONLD, SpecificPhrase)},
			Source:  SourceJSONLD,
		}}

	case hasType(node, articleTypes):
		headline := firstNonEmpty(str(node["headline"]), str(node["name"]))
		kind, specificity, snippet := storage.SignalGeneric, SingleKeyword, headline
		text := headline + ". " + str(node["description"])
		if t, sentence, ok := e.bestTrigger(text); ok {
			kind, specificity, snippet = t.kind, t.specificity(), sentence
		}
		var out []Candidate
		for _, key := range []string{"about", "mentions"} {
			for _, ref := range asList(node[key]) {
				org, ok := orgOf(ref)
				if !ok || !hasType(asMap(ref), organizationTypes) {
					continue
				}
				out = append(out, Candidate{
					Company: org,
					Signal:  storage.Signal{SourceURL: pageURL, Snippet: truncate(snippet), Type: kind, Confidence: score(WeightJSONLD, specificity)},
					Source:  SourceJSONLD,
				})
			}
		}
		return out

	case hasType(node, map[string]struct{}{"Person": {}}):
		name := str(node["name"])
		org, ok := orgOf(node["worksFor"])
		if name == "" || !ok {
			return nil
		}
		contact := &CandidateContact{
			Name:       name,
			Title:      str(node["jobTitle"]),
			Confidence: WeightJSONLD,
		}
		for _, same := range asList(node["sameAs"]) {
			if u := str(same); strings.Contains(u, "linkedin.com/in/") {
				contact.LinkedInURL = u
			}
		}
		return []Candidate{{
			Company: org,
			Contact: contact,
			Signal:  storage.Signal{SourceURL: pageURL, Snippet: truncate(firstNonEmpty(contact.Title, name)), Type: storage.SignalGeneric, Confidence: score(WeightJSONLD, SingleKeyword)},
			Source:  SourceJSONLD,
		}}
	}
	return nil
}

// orgOf reads a company from an Organization node or a bare name string.
func orgOf(v any) (CandidateCompany, bool) {
	if name, ok := v.(string); ok {
		name = strings.TrimSpace(name)
		return CandidateCompany{Name: name, Confidence: WeightJSONLD}, name != ""
	}
	m := asMap(v)
	if m == nil {
		return CandidateCompany{}, false
	}
	name := strings.TrimSpace(str(m["name"]))
	if name == "" {
		return CandidateCompany{}, false
	}
	domain := DomainOf(firstNonEmpty(str(m["url"]), str(m["sameAs"])))
	if IsAggregator(domain) {
		domain = ""
	}
	return CandidateCompany{Name: name, Domain: domain, Confidence: WeightJSONLD}, true
}

func hasType(node map[string]any, types map[string]struct{}) bool {
	for _, t := range asList(node["@type"]) {
		name := str(t)
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		if _, ok := types[name]; ok {
			return true
		}
	}
	return false
}

func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		if len(t) > 0 {
			return str(t[0])
		}
	}
	return ""
}
