package extractor

import (
	"bytes"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"github.com/FranksOps/prospect/internal/storage"
)

const blockElements = "p, li, h1, h2, h3, h4, h5, h6, div, section, article, header, footer, tr, dd, dt, blockquote, br"

// fromProse scans the readable text of a page sentence by sentence.
func (e *Extractor) fromProse(page *storage.RawPage, pageURL *url.URL, owner pageOwner) []Candidate {
	text := e.mainText(page.Body, pageURL)
	if text == "" {
		return nil
	}

	var out []Candidate
	for _, s := range splitIntoSentences(text) {
		if c, ok := e.sentenceCandidate(s.original, owner, page.URL, WeightProse, SourceProse); ok {
			out = append(out, c)
		}
	}
	return out
}

// mainText returns the article body found by readability, or the whole
// document body when readability finds nothing.
func (e *Extractor) mainText(body []byte, pageURL *url.URL) string {
	if pageURL == nil {
		pageURL = &url.URL{}
	}
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		e.logger.Debug("readability failed, using full body", "url", pageURL.String(), "err", err)
	} else if text := htmlText(article.Content); text != "" {
		return text
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	doc.Find("script, style, noscript, nav, footer").Remove()
	return blockText(doc.Find("body"))
}

func htmlText(fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	return blockText(doc.Selection)
}

// blockText renders text with a line break after every block element so that
// headings and list items never run into the following sentence.
func blockText(sel *goquery.Selection) string {
	sel.Find(blockElements).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	return strings.TrimSpace(sel.Text())
}

// sentenceCandidate attributes the strongest trigger in sentence to a company.
func (e *Extractor) sentenceCandidate(sentence string, owner pageOwner, sourceURL string, weight float64, src Source) (Candidate, bool) {
	t, _, ok := e.bestTrigger(sentence)
	if !ok {
		return Candidate{}, false
	}

	name := ""
	if (t.firstPerson || isFirstPerson(sentence)) && owner.name != "" {
		name = owner.name
	} else {
		name = companyNear(sentence, t.phrase)
	}
	if name == "" {
		name = owner.name
	}
	if name == "" {
		return Candidate{}, false
	}

	domain := ""
	if owner.domain != "" && (strings.EqualFold(name, owner.name) || NameMatchesDomain(name, owner.domain)) {
		domain = owner.domain
	}

	return Candidate{
		Company: CandidateCompany{Name: name, Domain: domain, Confidence: weight},
		Signal: storage.Signal{
			SourceURL:  sourceURL,
			Snippet:    truncate(sentence),
			Type:       t.kind,
			Confidence: score(weight, t.specificity()),
		},
		Source: src,
	}, true
}

func isFirstPerson(sentence string) bool {
	lower := strings.ToLower(sentence)
	for _, w := range []string{"we", "our", "we're"} {
		if countWord(lower, w) > 0 {
			return true
		}
	}
	return false
}

type phrase struct {
	text       string
	start, end int
}

// companyNear returns the capitalized phrase closest before the trigger, or
// the first one after it when nothing precedes it.
func companyNear(sentence, triggerPhrase string) string {
	at := indexWord(strings.ToLower(sentence), strings.ToLower(triggerPhrase))
	if at < 0 {
		return ""
	}
	end := at + len(triggerPhrase)

	var before, after *phrase
	for _, p := range capitalizedPhrases(sentence) {
		switch {
		case p.end <= at:
			p := p
			before = &p
		case p.start >= end && after == nil:
			p := p
			after = &p
		}
	}
	if before != nil {
		return before.text
	}
	if after != nil {
		return after.text
	}
	return ""
}

// capitalizedPhrases returns runs of capitalized words, split at punctuation,
// with leading non-name words removed.
func capitalizedPhrases(s string) []phrase {
	type word struct {
		text       string
		start, end int
	}
	var (
		out []phrase
		run []word
	)
	flush := func() {
		for len(run) > 0 && isNonName(run[0].text) {
			run = run[1:]
		}
		for len(run) > 0 && run[len(run)-1].text == "&" {
			run = run[:len(run)-1]
		}
		if len(run) == 0 {
			return
		}
		allNonName := true
		parts := make([]string, len(run))
		for i, w := range run {
			parts[i] = w.text
			if !isNonName(w.text) {
				allNonName = false
			}
		}
		text := strings.Join(parts, " ")
		if !allNonName && utf8.RuneCountInString(text) > 1 {
			out = append(out, phrase{text: text, start: run[0].start, end: run[len(run)-1].end})
		}
		run = nil
	}

	for i := 0; i < len(s); {
		for i < len(s) && s[i] == ' ' {
			i++
		}
		start := i
		for i < len(s) && s[i] != ' ' {
			i++
		}
		if start == i {
			break
		}
		raw := s[start:i]
		core := strings.TrimLeft(raw, `"'(“‘`)
		lead := len(raw) - len(core)
		trimmed := strings.TrimRight(core, `"'),.;:!?”’`)
		boundary := len(trimmed) < len(core)
		possessive := false
		for _, suffix := range []string{"'s", "’s"} {
			if strings.HasSuffix(trimmed, suffix) {
				trimmed = strings.TrimSuffix(trimmed, suffix)
				possessive = true
			}
		}

		w := word{text: trimmed, start: start + lead, end: start + lead + len(trimmed)}
		switch {
		case trimmed == "&" && len(run) > 0:
			run = append(run, w)
		case isCapitalized(trimmed):
			if lead > 0 {
				flush()
			}
			run = append(run, w)
		default:
			flush()
			continue
		}
		if boundary || possessive {
			flush()
		}
	}
	flush()
	return out
}

func isCapitalized(w string) bool {
	r, _ := utf8.DecodeRuneInString(w)
	return unicode.IsUpper(r)
}

func isNonName(w string) bool {
	_, ok := nonNameWords[w]
	return ok
}

// NameMatchesDomain reports whether a label of domain spells name, e.g.
// "Acme Pharma" and careers.acmepharma.com or acme.com.
func NameMatchesDomain(name, domain string) bool {
	n := compact(name)
	if len(n) < 3 {
		return false
	}
	labels := strings.Split(DomainOf(domain), ".")
	for _, label := range labels[:len(labels)-1] {
		label = compact(label)
		if len(label) < 3 {
			continue
		}
		if n == label || strings.HasPrefix(n, label) || strings.HasPrefix(label, n) {
			return true
		}
	}
	return false
}

func compact(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
