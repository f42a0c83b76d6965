package resolver

import (
	"net/url"
	"regexp"
	"strings"
)

// legalSuffixes are trailing tokens dropped during name normalization.
var legalSuffixes = map[string]struct{}{
	"llc": {}, "inc": {}, "incorporated": {}, "corp": {}, "corporation": {},
	"ltd": {}, "limited": {}, "lp": {}, "llp": {}, "pllc": {}, "plc": {},
	"pc": {}, "pa": {}, "co": {}, "company": {}, "gmbh": {}, "ag": {},
	"sa": {}, "sas": {}, "bv": {}, "nv": {}, "oy": {}, "ab": {}, "srl": {},
	"spa": {}, "pty": {}, "kk": {},
}

var (
	multiSpaceRe = regexp.MustCompile(`\s+`)
	// Dotted abbreviations such as "L.L.C." or "S.A." collapse to "llc", "sa".
	dottedAbbrevRe = regexp.MustCompile(`\b(?:[a-z]\.){2,}`)
)

// NormalizeName standardizes a company name for matching by:
//  1. Lower-casing and trimming
//  2. Collapsing dotted abbreviations (L.L.C. -> llc)
//  3. Replacing "&" with "and" and stripping punctuation
//  4. Dropping trailing legal suffixes (Inc, LLC, GmbH, ...)
//  5. Collapsing whitespace
//
// A name made only of a legal suffix is kept as is.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}

	name = dottedAbbrevRe.ReplaceAllStringFunc(name, func(s string) string {
		return strings.ReplaceAll(s, ".", "")
	})

	name = strings.NewReplacer(
		"&", " and ",
		",", " ",
		".", " ",
		"'", "",
		"’", "",
		"\"", "",
		"-", " ",
		"(", " ",
		")", " ",
		"/", " ",
	).Replace(name)

	tokens := strings.Fields(multiSpaceRe.ReplaceAllString(name, " "))
	for len(tokens) > 1 {
		if _, ok := legalSuffixes[tokens[len(tokens)-1]]; !ok {
			break
		}
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// NormalizeDomain reduces a URL or host to its lower-cased host without
// scheme, port, path or leading "www.".
func NormalizeDomain(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.TrimSuffix(u.Hostname(), ".")
	return strings.TrimPrefix(host, "www.")
}

// Key is the dedup identity of a company: normalized name and domain joined
// by "|". The domain part is empty when unknown.
func Key(name, domain string) string {
	return NormalizeName(name) + "|" + NormalizeDomain(domain)
}
