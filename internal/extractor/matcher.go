package extractor

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// TermMatch represents the occurrences of one term within a text.
type TermMatch struct {
	Term      string
	Count     int
	Sentences []string
}

// FindTermMatches scans content for each term, case-insensitively and on word
// boundaries, and returns the sentences each term occurs in. Terms that do not
// occur are omitted.
func FindTermMatches(content string, terms []string) []TermMatch {
	if len(content) == 0 || len(terms) == 0 {
		return nil
	}

	sentences := splitIntoSentences(content)
	if len(sentences) == 0 {
		return nil
	}

	results := make([]TermMatch, 0, len(terms))
	for _, term := range terms {
		lowerTerm := strings.ToLower(term)
		var count int
		var matched []string
		for _, s := range sentences {
			if n := countWord(s.lower, lowerTerm); n > 0 {
				count += n
				matched = append(matched, s.original)
			}
		}
		if count == 0 {
			continue
		}
		results = append(results, TermMatch{
			Term:      term,
			Count:     count,
			Sentences: matched,
		})
	}
	return results
}

// countWord counts occurrences of term in s that are not embedded in a longer
// word, so "ai" does not match inside "said".
func countWord(s, term string) int {
	if term == "" {
		return 0
	}
	var n int
	for offset := 0; offset < len(s); {
		i := strings.Index(s[offset:], term)
		if i < 0 {
			break
		}
		start := offset + i
		end := start + len(term)
		if boundaryBefore(s, start, term) && boundaryAfter(s, end, term) {
			n++
		}
		offset = start + 1
	}
	return n
}

// indexWord returns the byte offset of the first whole-word occurrence of term
// in s, or -1.
func indexWord(s, term string) int {
	for offset := 0; offset < len(s) && term != ""; {
		i := strings.Index(s[offset:], term)
		if i < 0 {
			break
		}
		start := offset + i
		if boundaryBefore(s, start, term) && boundaryAfter(s, start+len(term), term) {
			return start
		}
		offset = start + 1
	}
	return -1
}

func boundaryBefore(s string, i int, term string) bool {
	if i == 0 || !isWordRune(firstRune(term)) {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func boundaryAfter(s string, i int, term string) bool {
	if i >= len(s) || !isWordRune(lastRune(term)) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !isWordRune(r)
}

func firstRune(s string) rune {
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

func lastRune(s string) rune {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

type sentence struct {
	original string
	lower    string
}

// splitIntoSentences splits text on '.', '!' and '?' followed by whitespace,
// keeping the delimiter. A period inside "$4.5M" or "Inc.com" does not split.
func splitIntoSentences(text string) []sentence {
	if len(text) == 0 {
		return nil
	}

	estimated := len(text) / 50
	if estimated < 1 {
		estimated = 1
	}
	sentences := make([]sentence, 0, estimated)

	add := func(s string) {
		s = strings.Join(strings.Fields(s), " ")
		if s != "" {
			sentences = append(sentences, sentence{original: s, lower: strings.ToLower(s)})
		}
	}

	start := 0
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' && r != '\n' {
			continue
		}
		end := i + 1
		if r != '\n' && end < len(text) && !unicode.IsSpace(rune(text[end])) {
			continue
		}
		add(text[start:end])
		start = end
	}
	if start < len(text) {
		add(text[start:])
	}
	return sentences
}
