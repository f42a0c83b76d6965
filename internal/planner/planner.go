// Package planner turns a prospecting query into search-engine operations.
package planner

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/FranksOps/prospect/internal/storage"
)

// Purpose says what a search operation is for.
type Purpose string

const (
	PurposeDiscovery Purpose = "discovery"
	PurposeDomain    Purpose = "domain"
	PurposeContact   Purpose = "contact"
)

// SearchOperation is one operator string to run against one provider.
type SearchOperation struct {
	QueryID  string
	Operator string
	Provider string
	Purpose  Purpose
}

// PlanningError reports a query that yields no usable search terms.
type PlanningError struct {
	Text   string
	Reason string
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning %q: %s", e.Text, e.Reason)
}

// Config bounds the plan.
type Config struct {
	// Providers receive the operation list in order. Default: ["google"].
	Providers []string
	// MaxPerProvider caps operations per provider. Default: 4.
	MaxPerProvider int
}

// Planner builds deterministic search plans.
type Planner struct {
	cfg Config
}

// New creates a Planner.
func New(cfg Config) *Planner {
	if len(cfg.Providers) == 0 {
		cfg.Providers = []string{"google"}
	}
	if cfg.MaxPerProvider <= 0 {
		cfg.MaxPerProvider = 4
	}
	return &Planner{cfg: cfg}
}

// Plan interprets text and returns the discovery operations for it. A prior
// intent is merged in so refreshes keep searching for what earlier runs did.
func (p *Planner) Plan(queryID, text string, prior *storage.ParsedIntent) ([]SearchOperation, storage.ParsedIntent, error) {
	intent, err := ParseIntent(text)
	if err != nil {
		return nil, storage.ParsedIntent{}, err
	}
	if prior != nil {
		intent = merge(*prior, intent)
	}

	operators := Operators(intent)
	var ops []SearchOperation
	for _, prov := range p.cfg.Providers {
		for i, op := range operators {
			if i >= p.cfg.MaxPerProvider {
				break
			}
			ops = append(ops, SearchOperation{QueryID: queryID, Operator: op, Provider: prov, Purpose: PurposeDiscovery})
		}
	}
	return ops, intent, nil
}

// Remember merges operators that found companies in earlier runs into ops
// without exceeding MaxPerProvider for any provider. Remembered operators
// already in the plan cost nothing; the others may take up to half of each
// provider's slots, or more when the plan leaves them free.
func (p *Planner) Remember(ops []SearchOperation, remembered []string) []SearchOperation {
	if len(remembered) == 0 || len(ops) == 0 {
		return ops
	}

	var providers []string
	byProvider := make(map[string][]SearchOperation)
	for _, op := range ops {
		if _, ok := byProvider[op.Provider]; !ok {
			providers = append(providers, op.Provider)
		}
		byProvider[op.Provider] = append(byProvider[op.Provider], op)
	}

	limit := p.cfg.MaxPerProvider
	out := make([]SearchOperation, 0, len(ops))
	for _, prov := range providers {
		planned := byProvider[prov]
		seen := make(map[string]bool, len(planned))
		for _, op := range planned {
			seen[op.Operator] = true
		}
		var extra []SearchOperation
		for _, op := range remembered {
			if op == "" || seen[op] {
				continue
			}
			seen[op] = true
			extra = append(extra, SearchOperation{QueryID: planned[0].QueryID, Operator: op, Provider: prov, Purpose: PurposeDiscovery})
		}

		keep := min(len(extra), max(limit/2, limit-len(planned)))
		planned = planned[:min(len(planned), limit-keep)]
		out = append(out, planned...)
		out = append(out, extra[:keep]...)
	}
	return out
}

// ParseIntent extracts keywords, industries, roles and signal types from text.
func ParseIntent(text string) (storage.ParsedIntent, error) {
	if strings.TrimSpace(text) == "" {
		return storage.ParsedIntent{}, &PlanningError{Text: text, Reason: "empty query"}
	}
	tokens := tokenize(text)

	var intent storage.ParsedIntent
	roleSpans := map[int]role{}
	singular := make([]string, len(tokens))
	for i, t := range tokens {
		singular[i] = singularize(t)
	}
	for i := 0; i < len(tokens); i++ {
		if r, n := matchRole(singular[i:]); n > 0 {
			intent.Roles = appendUnique(intent.Roles, r.title)
			roleSpans[i] = r
			i += n - 1
		}
	}

	for i := 0; i < len(tokens); i++ {
		if r, ok := roleSpans[i]; ok {
			intent.Keywords = appendUnique(intent.Keywords, strings.ToLower(r.title))
			i += len(r.tokens) - 1
			continue
		}
		t := tokens[i]
		if st, ok := signalLexicon[t]; ok && !slices.Contains(intent.SignalTypes, st) {
			intent.SignalTypes = append(intent.SignalTypes, st)
		}
		if ind, ok := industryLexicon[t]; ok {
			intent.Industries = appendUnique(intent.Industries, ind)
		}
		if _, stop := stopWords[t]; !stop {
			intent.Keywords = appendUnique(intent.Keywords, t)
		}
	}

	if len(intent.Keywords) == 0 {
		return storage.ParsedIntent{}, &PlanningError{Text: text, Reason: "no usable search terms"}
	}
	if len(intent.SignalTypes) == 0 {
		intent.SignalTypes = []storage.SignalType{storage.SignalGeneric}
	}
	return intent, nil
}

// Operators renders the fixed templates for intent in priority order.
func Operators(intent storage.ParsedIntent) []string {
	general := generalPhrase(intent)
	subject := strings.Join(intent.Industries, " ")

	ops := []string{general}
	hiring := slices.Contains(intent.SignalTypes, storage.SignalHiring)
	if hiring || len(intent.Roles) > 0 {
		for _, r := range rolesOrKeywords(intent) {
			ops = append(ops, join("site:linkedin.com/jobs", subject, r))
		}
		for _, r := range rolesOrKeywords(intent) {
			ops = append(ops, join("intitle:careers", subject, r))
		}
	}
	if slices.ContainsFunc(intent.SignalTypes, func(s storage.SignalType) bool {
		return s == storage.SignalFunding || s == storage.SignalExpansion || s == storage.SignalTechAdoption
	}) {
		ops = append(ops, join("(site:prnewswire.com OR site:businesswire.com)", general))
	}

	var out []string
	for _, op := range ops {
		op = strings.TrimSpace(op)
		if op != "" && !slices.Contains(out, op) {
			out = append(out, op)
		}
	}
	return out
}

// ContactOperation builds the profile x-ray search for a role at a company.
func ContactOperation(company, role string) string {
	return fmt.Sprintf(`site:linkedin.com/in/ %s %s`, quote(company), quote(role))
}

// DomainOperation builds the search used to discover a company's website.
func DomainOperation(company string) string {
	return quote(company) + " official site"
}

// DecisionMakers returns up to three titles to look for at a matching company.
// Leadership roles named in the query win; roles being hired for map to the
// leader that owns them; otherwise the defaults for the intent's signals apply.
func DecisionMakers(intent storage.ParsedIntent) []string {
	var out []string
	for _, title := range intent.Roles {
		for _, r := range roleLexicon {
			if r.title != title {
				continue
			}
			if r.leader != "" {
				out = appendUnique(out, r.leader)
			} else {
				out = appendUnique(out, r.title)
			}
			break
		}
	}
	if len(out) == 0 {
		for _, st := range intent.SignalTypes {
			for _, title := range defaultDecisionMakers[st] {
				out = appendUnique(out, title)
			}
		}
	}
	if len(out) == 0 {
		out = []string{"CEO"}
	}
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

func generalPhrase(intent storage.ParsedIntent) string {
	parts := make([]string, 0, len(intent.Keywords))
	for _, kw := range intent.Keywords {
		parts = append(parts, quoteMulti(kw))
	}
	return strings.Join(parts, " ")
}

func rolesOrKeywords(intent storage.ParsedIntent) []string {
	if len(intent.Roles) == 0 {
		return []string{generalPhrase(intent)}
	}
	out := make([]string, 0, len(intent.Roles))
	for _, r := range intent.Roles {
		out = append(out, quote(strings.ToLower(r)))
	}
	return out
}

func merge(prior, current storage.ParsedIntent) storage.ParsedIntent {
	out := storage.ParsedIntent{
		Keywords:   slices.Clone(prior.Keywords),
		Industries: slices.Clone(prior.Industries),
		Roles:      slices.Clone(prior.Roles),
	}
	for _, k := range current.Keywords {
		out.Keywords = appendUnique(out.Keywords, k)
	}
	for _, i := range current.Industries {
		out.Industries = appendUnique(out.Industries, i)
	}
	for _, r := range current.Roles {
		out.Roles = appendUnique(out.Roles, r)
	}
	for _, s := range append(slices.Clone(prior.SignalTypes), current.SignalTypes...) {
		if !slices.Contains(out.SignalTypes, s) {
			out.SignalTypes = append(out.SignalTypes, s)
		}
	}
	if len(out.SignalTypes) > 1 {
		out.SignalTypes = slices.DeleteFunc(out.SignalTypes, func(s storage.SignalType) bool {
			return s == storage.SignalGeneric
		})
	}
	return out
}

func matchRole(tokens []string) (role, int) {
	best, bestLen := role{}, 0
	for _, r := range roleLexicon {
		n := len(r.tokens)
		if n <= bestLen || n > len(tokens) {
			continue
		}
		if slices.Equal(tokens[:n], r.tokens) {
			best, bestLen = r, n
		}
	}
	return best, bestLen
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func singularize(t string) string {
	if len(t) > 3 && strings.HasSuffix(t, "s") && !strings.HasSuffix(t, "ss") {
		return strings.TrimSuffix(t, "s")
	}
	return t
}

func appendUnique(list []string, v string) []string {
	if v == "" || slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func join(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(s), `"`, "") + `"`
}

func quoteMulti(s string) string {
	if strings.Contains(s, " ") {
		return quote(s)
	}
	return s
}
