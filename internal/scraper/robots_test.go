package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FranksOps/prospect/internal/fingerprint"
)

func robotsServer(t *testing.T, status int, body string) (*httptest.Server, *RobotsTxtAuditor) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	fetcher, err := NewFetcher(FetchConfig{Timeout: 5 * time.Second, Fingerprint: fingerprint.ProfileGo})
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	return ts, NewRobotsTxtAuditor(fetcher, nil)
}

func TestRobotsTxtAuditor_CompanySiteRules(t *testing.T) {
	ts, auditor := robotsServer(t, http.StatusOK, `
User-agent: *
Disallow: /careers/apply/
Allow: /careers/apply/faq
Disallow: /*?session=

User-agent: prospect-bot
Disallow: /investors/
Disallow: /careers/apply/

User-agent: ScraperX
Disallow: /
`)

	cases := []struct {
		path    string
		agent   string
		allowed bool
	}{
		{"/careers", "GenericCrawler", true},
		{"/careers/apply/123", "GenericCrawler", false},
		{"/careers/apply/faq", "GenericCrawler", true},
		{"/news?session=abc", "GenericCrawler", false},
		{"/investors/q3", "GenericCrawler", true},
		{"/investors/q3", "prospect-bot", false},
		{"/press/series-b", "prospect-bot", true},
		{"/about", "ScraperX", false},
	}
	for _, tc := range cases {
		allowed, err := auditor.IsAllowed(context.Background(), ts.URL+tc.path, tc.agent)
		if err != nil {
			t.Fatalf("%s as %s: unexpected error: %v", tc.path, tc.agent, err)
		}
		if allowed != tc.allowed {
			t.Errorf("%s as %s: expected allowed=%v, got %v", tc.path, tc.agent, tc.allowed, allowed)
		}
	}
}

func TestRobotsTxtAuditor_MissingFileAllowsEverything(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusForbidden} {
		ts, auditor := robotsServer(t, status, "")

		allowed, err := auditor.IsAllowed(context.Background(), ts.URL+"/team", "prospect-bot")
		if err != nil {
			t.Fatalf("status %d: unexpected error: %v", status, err)
		}
		if !allowed {
			t.Errorf("status %d: expected missing robots.txt to allow /team", status)
		}
	}
}

func TestRobotsTxtAuditor_SitemapExtracts(t *testing.T) {
	ts, auditor := robotsServer(t, http.StatusOK, `
User-agent: *
Disallow: /cart
Sitemap: https://acme.test/sitemap-pages.xml
Sitemap: https://acme.test/sitemap-news.xml
`)

	for _, origin := range []string{ts.URL, ts.URL + "/"} {
		sitemaps, err := auditor.SitemapExtracts(context.Background(), origin)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(sitemaps) != 2 || sitemaps[0] != "https://acme.test/sitemap-pages.xml" || sitemaps[1] != "https://acme.test/sitemap-news.xml" {
			t.Errorf("origin %s: unexpected sitemaps %v", origin, sitemaps)
		}
	}
}

func TestRobotsTxtAuditor_FetchesOncePerOrigin(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /search\n"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	fetcher, _ := NewFetcher(FetchConfig{
		Timeout:     5 * time.Second,
		Fingerprint: fingerprint.ProfileGo,
	})
	auditor := NewRobotsTxtAuditor(fetcher, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = auditor.IsAllowed(ctx, ts.URL+"/careers", "prospect-bot")
		}()
	}
	wg.Wait()

	if got := hits.Load(); got != 1 {
		t.Errorf("expected robots.txt to be fetched once, got %d", got)
	}

	allowed, _ := auditor.IsAllowed(ctx, ts.URL+"/search?q=acme", "prospect-bot")
	if allowed {
		t.Errorf("expected query path to be disallowed")
	}
}

func TestRobotsTxtAuditor_CancelledCallerIsNotCached(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /apply\n"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	fetcher, _ := NewFetcher(FetchConfig{Timeout: 5 * time.Second, Fingerprint: fingerprint.ProfileGo})
	auditor := NewRobotsTxtAuditor(fetcher, nil)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := auditor.IsAllowed(cancelled, ts.URL+"/apply", "prospect-bot"); err == nil {
		t.Fatalf("expected error for cancelled context")
	}

	allowed, err := auditor.IsAllowed(context.Background(), ts.URL+"/apply", "prospect-bot")
	if err != nil {
		t.Fatalf("IsAllowed: %v", err)
	}
	if allowed {
		t.Errorf("expected /apply to be disallowed after a cancelled first lookup")
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("expected one robots.txt fetch, got %d", got)
	}
}

func TestRobotsTxtAuditor_InvalidURL(t *testing.T) {
	fetcher, _ := NewFetcher(FetchConfig{Fingerprint: fingerprint.ProfileGo})
	auditor := NewRobotsTxtAuditor(fetcher, nil)

	if _, err := auditor.IsAllowed(context.Background(), "not a url", "bot"); err == nil {
		t.Errorf("expected error for url without host")
	}
}
