package enricher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/FranksOps/prospect/internal/provider"
	"github.com/FranksOps/prospect/pkg/backoff"
	"github.com/FranksOps/prospect/pkg/httpclient"
)

// Request identifies the person to look up.
type Request struct {
	Name   string
	Domain string
}

// Response is a lookup result. Found is false when the provider has no
// record; the other fields are then empty.
type Response struct {
	Found       bool
	Email       string
	Title       string
	LinkedInURL string
	// Confidence is the provider's certainty in Email, in [0,1].
	Confidence float64
}

// Provider is a contact enrichment service. Failures are *provider.Error.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, req Request) (Response, error)
}

// HTTPConfig configures an email-finder API client.
type HTTPConfig struct {
	Name     string
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTPProvider calls an email-finder API of the form
// GET {endpoint}?domain=..&full_name=..&api_key=.. returning
// {"data":{"email":..,"score":0-100,"position":..,"linkedin_url":..}}.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *httpclient.Client
}

// NewHTTPProvider creates an HTTPProvider.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("enrichment provider: endpoint is required")
	}
	if cfg.Name == "" {
		cfg.Name = "email-finder"
	}
	client, err := httpclient.New(httpclient.Config{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("enrichment provider: %w", err)
	}
	return &HTTPProvider{cfg: cfg, client: client}, nil
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return p.cfg.Name }

type finderResponse struct {
	Data struct {
		Email       string  `json:"email"`
		Score       float64 `json:"score"`
		Position    string  `json:"position"`
		LinkedInURL string  `json:"linkedin_url"`
	} `json:"data"`
}

// Lookup implements Provider.
func (p *HTTPProvider) Lookup(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Domain) == "" {
		return Response{}, &provider.Error{Provider: p.Name(), Kind: provider.MalformedRequest, Err: errors.New("name and domain are required")}
	}

	params := url.Values{}
	params.Set("domain", req.Domain)
	params.Set("full_name", req.Name)
	if p.cfg.APIKey != "" {
		params.Set("api_key", p.cfg.APIKey)
	}

	var out finderResponse
	resp, err := p.client.GetJSON(ctx, p.cfg.Endpoint+"?"+params.Encode(), nil, &out)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, &provider.Error{Provider: p.Name(), Kind: provider.Unavailable, Err: err}
	}
	if resp.StatusCode == http.StatusNotFound {
		return Response{}, nil
	}
	if err := provider.FromStatus(p.Name(), resp.StatusCode, backoff.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())); err != nil {
		return Response{}, err
	}
	if out.Data.Email == "" {
		return Response{}, nil
	}

	conf := out.Data.Score
	if conf > 1 {
		conf /= 100
	}
	return Response{
		Found:       true,
		Email:       strings.ToLower(out.Data.Email),
		Title:       out.Data.Position,
		LinkedInURL: out.Data.LinkedInURL,
		Confidence:  min(max(conf, 0), 1),
	}, nil
}

// PatternConfidence is the confidence of a guessed address.
const PatternConfidence = 0.3

// PatternProvider guesses the most common corporate address format,
// first.last@domain. When LookupMX is set, domains without mail exchangers
// are reported as not found.
type PatternProvider struct {
	LookupMX func(ctx context.Context, domain string) ([]*net.MX, error)
}

// NewPatternProvider returns a PatternProvider that checks MX records with
// the default resolver.
func NewPatternProvider() *PatternProvider {
	return &PatternProvider{LookupMX: net.DefaultResolver.LookupMX}
}

// Name implements Provider.
func (p *PatternProvider) Name() string { return "pattern" }

// Lookup implements Provider.
func (p *PatternProvider) Lookup(ctx context.Context, req Request) (Response, error) {
	guesses := GuessEmails(req.Name, req.Domain)
	if len(guesses) == 0 {
		return Response{}, &provider.Error{Provider: p.Name(), Kind: provider.MalformedRequest, Err: errors.New("need a first and last name and a domain")}
	}
	if p.LookupMX != nil {
		mx, err := p.LookupMX(ctx, req.Domain)
		var dnsErr *net.DNSError
		switch {
		case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
			return Response{}, nil
		case err != nil:
			return Response{}, &provider.Error{Provider: p.Name(), Kind: provider.Unavailable, Err: err}
		case len(mx) == 0:
			return Response{}, nil
		}
	}
	return Response{Found: true, Email: guesses[0], Confidence: PatternConfidence}, nil
}

// GuessEmails returns candidate addresses in descending likelihood:
// first.last, flast, firstl, first. Accents are folded and punctuation dropped.
func GuessEmails(name, domain string) []string {
	domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "www."))
	parts := strings.Fields(foldName(name))
	if domain == "" || len(parts) < 2 {
		return nil
	}
	first, last := parts[0], parts[len(parts)-1]
	if first == "" || last == "" {
		return nil
	}
	locals := []string{
		first + "." + last,
		first[:1] + last,
		first + last[:1],
		first,
	}
	out := make([]string, len(locals))
	for i, l := range locals {
		out[i] = l + "@" + domain
	}
	return out
}

// foldName lower-cases name, strips diacritics and keeps letters and spaces.
func foldName(name string) string {
	var b strings.Builder
	for _, r := range norm.NFD.String(strings.ToLower(name)) {
		switch {
		case unicode.Is(unicode.Mn, r):
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-':
			b.WriteRune(' ')
		}
	}
	return b.String()
}

// Chain asks each provider in turn and returns the first found result. A
// provider that reports exhausted quota is skipped for the rest of the
// chain's life. The chain fails only when every provider failed.
type Chain struct {
	providers []Provider
	exhausted []atomic.Bool
}

// NewChain builds a Chain over providers, tried in order.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers, exhausted: make([]atomic.Bool, len(providers))}
}

// Name implements Provider.
func (c *Chain) Name() string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return strings.Join(names, "+")
}

// Lookup implements Provider.
func (c *Chain) Lookup(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	answered := false
	for i, p := range c.providers {
		if c.exhausted[i].Load() {
			lastErr = &provider.Error{Provider: p.Name(), Kind: provider.QuotaExceeded}
			continue
		}
		resp, err := p.Lookup(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			if provider.KindOf(err) == provider.QuotaExceeded {
				c.exhausted[i].Store(true)
			}
			lastErr = err
			continue
		}
		if resp.Found {
			return resp, nil
		}
		answered = true
	}
	if answered {
		return Response{}, nil
	}
	return Response{}, lastErr
}
