package serp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/FranksOps/prospect/internal/provider"
	"github.com/FranksOps/prospect/internal/scraper"
	"github.com/FranksOps/prospect/internal/storage"
)

// PageFetcher retrieves a result page. *scraper.Fetcher satisfies it.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*storage.RawPage, error)
}

// Selectors locate organic results in a SERP document.
type Selectors struct {
	Result  string
	Link    string
	Title   string
	Snippet string
}

// DuckDuckGoSelectors match html.duckduckgo.com result pages.
var DuckDuckGoSelectors = Selectors{
	Result:  ".result",
	Link:    "a.result__a",
	Title:   "a.result__a",
	Snippet: ".result__snippet",
}

// HTMLConfig configures an HTMLScraper.
type HTMLConfig struct {
	Name string
	// BaseURL receives q (the operator) and s (the result offset).
	BaseURL   string
	Selectors Selectors
	PageSize  int
}

// HTMLScraper scrapes a keyless HTML results page through the fetcher, so it
// inherits its politeness limits and bot-wall detection.
type HTMLScraper struct {
	cfg     HTMLConfig
	fetcher PageFetcher
}

// NewHTMLScraper creates an HTML results scraper. Zero config values default
// to DuckDuckGo's HTML endpoint.
func NewHTMLScraper(cfg HTMLConfig, fetcher PageFetcher) *HTMLScraper {
	if cfg.Name == "" {
		cfg.Name = "duckduckgo"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://html.duckduckgo.com/html/"
	}
	if cfg.Selectors.Result == "" {
		cfg.Selectors = DuckDuckGoSelectors
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}
	return &HTMLScraper{cfg: cfg, fetcher: fetcher}
}

// Name implements Provider.
func (h *HTMLScraper) Name() string { return h.cfg.Name }

// Search implements Provider. Cursor is the zero-based result offset.
func (h *HTMLScraper) Search(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Operator) == "" {
		return Response{}, &provider.Error{Provider: h.Name(), Kind: provider.MalformedRequest, Err: errors.New("empty query")}
	}
	offset := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 {
			return Response{}, &provider.Error{Provider: h.Name(), Kind: provider.MalformedRequest, Err: fmt.Errorf("bad cursor %q", req.Cursor)}
		}
		offset = n
	}

	params := url.Values{}
	params.Set("q", req.Operator)
	if offset > 0 {
		params.Set("s", strconv.Itoa(offset))
	}
	target := h.cfg.BaseURL + "?" + params.Encode()

	page, err := h.fetcher.Fetch(ctx, target)
	if err != nil {
		return Response{}, h.fetchError(err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return Response{}, &provider.Error{Provider: h.Name(), Kind: provider.Unavailable, Err: fmt.Errorf("parse results: %w", err)}
	}

	sel := h.cfg.Selectors
	var results []Result
	doc.Find(sel.Result).EachWithBreak(func(i int, s *goquery.Selection) bool {
		if req.Limit > 0 && len(results) >= req.Limit {
			return false
		}
		href, ok := s.Find(sel.Link).First().Attr("href")
		if !ok {
			return true
		}
		link := resolveResultLink(target, href)
		if link == "" {
			return true
		}
		results = append(results, Result{
			URL:     link,
			Title:   strings.TrimSpace(s.Find(sel.Title).First().Text()),
			Snippet: strings.TrimSpace(s.Find(sel.Snippet).First().Text()),
			Rank:    offset + len(results) + 1,
		})
		return true
	})

	resp := Response{Results: results}
	if len(results) >= h.cfg.PageSize || (req.Limit > 0 && len(results) >= req.Limit) {
		resp.NextCursor = strconv.Itoa(offset + len(results))
	}
	return resp, nil
}

func (h *HTMLScraper) fetchError(err error) error {
	var fe *scraper.FetchError
	if !errors.As(err, &fe) {
		return &provider.Error{Provider: h.Name(), Kind: provider.Unavailable, Err: err}
	}
	switch {
	case fe.Kind == storage.FetchBlocked, fe.StatusCode == http.StatusTooManyRequests:
		return &provider.Error{Provider: h.Name(), Kind: provider.RateLimited, Wait: fe.RetryAfter(), Err: err}
	case fe.StatusCode >= 400 && fe.StatusCode < 500:
		return &provider.Error{Provider: h.Name(), Kind: provider.MalformedRequest, Err: err}
	default:
		return &provider.Error{Provider: h.Name(), Kind: provider.Unavailable, Err: err}
	}
}

// resolveResultLink makes href absolute and unwraps redirector links that
// carry the destination in a uddg or q parameter.
func resolveResultLink(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	u = b.ResolveReference(u)
	for _, key := range []string{"uddg", "q"} {
		if dest := u.Query().Get(key); strings.HasPrefix(dest, "http://") || strings.HasPrefix(dest, "https://") {
			return dest
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
