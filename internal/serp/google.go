package serp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/FranksOps/prospect/internal/provider"
	"github.com/FranksOps/prospect/pkg/backoff"
	"github.com/FranksOps/prospect/pkg/httpclient"
)

// GoogleEndpoint is the Custom Search JSON API.
const GoogleEndpoint = "https://www.googleapis.com/customsearch/v1"

// googleMaxNum is the API's per-request result cap.
const googleMaxNum = 10

// GoogleConfig configures the Custom Search client.
type GoogleConfig struct {
	APIKey   string
	EngineID string
	// Endpoint overrides GoogleEndpoint, e.g. in tests.
	Endpoint string
	Timeout  time.Duration
}

// Google queries the Custom Search JSON API.
type Google struct {
	cfg    GoogleConfig
	client *httpclient.Client
}

// NewGoogle creates a Google provider.
func NewGoogle(cfg GoogleConfig) (*Google, error) {
	if cfg.APIKey == "" || cfg.EngineID == "" {
		return nil, errors.New("google search: api key and engine id are required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = GoogleEndpoint
	}
	client, err := httpclient.New(httpclient.Config{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("google search: %w", err)
	}
	return &Google{cfg: cfg, client: client}, nil
}

// Name implements Provider.
func (g *Google) Name() string { return "google" }

type googleResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
	Queries struct {
		NextPage []struct {
			StartIndex int `json:"startIndex"`
		} `json:"nextPage"`
	} `json:"queries"`
}

type googleError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// Search implements Provider. Cursor is the 1-based start index.
func (g *Google) Search(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Operator) == "" {
		return Response{}, &provider.Error{Provider: g.Name(), Kind: provider.MalformedRequest, Err: errors.New("empty query")}
	}

	limit := req.Limit
	if limit <= 0 || limit > googleMaxNum {
		limit = googleMaxNum
	}

	params := url.Values{}
	params.Set("key", g.cfg.APIKey)
	params.Set("cx", g.cfg.EngineID)
	params.Set("q", req.Operator)
	params.Set("num", strconv.Itoa(limit))
	start := 1
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 1 {
			return Response{}, &provider.Error{Provider: g.Name(), Kind: provider.MalformedRequest, Err: fmt.Errorf("bad cursor %q", req.Cursor)}
		}
		start = n
		params.Set("start", req.Cursor)
	}

	var out googleResponse
	resp, err := g.client.GetJSON(ctx, g.cfg.Endpoint+"?"+params.Encode(), nil, &out)
	if err != nil {
		return Response{}, &provider.Error{Provider: g.Name(), Kind: provider.Unavailable, Err: err}
	}
	if err := g.statusError(resp); err != nil {
		return Response{}, err
	}

	result := Response{Results: make([]Result, 0, len(out.Items))}
	for i, item := range out.Items {
		result.Results = append(result.Results, Result{
			URL:     item.Link,
			Title:   item.Title,
			Snippet: item.Snippet,
			Rank:    start + i,
		})
	}
	if len(out.Queries.NextPage) > 0 {
		result.NextCursor = strconv.Itoa(out.Queries.NextPage[0].StartIndex)
	}
	return result, nil
}

// statusError maps API failures. Google reports exhausted daily quota and
// per-minute throttling as 403 or 429 with a reason code.
func (g *Google) statusError(resp *httpclient.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	wait := backoff.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())

	var ge googleError
	_ = json.Unmarshal(resp.Body, &ge)
	for _, e := range ge.Error.Errors {
		switch e.Reason {
		case "dailyLimitExceeded", "quotaExceeded":
			return &provider.Error{Provider: g.Name(), Kind: provider.QuotaExceeded, Err: errors.New(ge.Error.Message)}
		case "rateLimitExceeded", "userRateLimitExceeded":
			return &provider.Error{Provider: g.Name(), Kind: provider.RateLimited, Wait: wait, Err: errors.New(ge.Error.Message)}
		}
	}
	if resp.StatusCode == http.StatusForbidden {
		return &provider.Error{Provider: g.Name(), Kind: provider.QuotaExceeded, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return provider.FromStatus(g.Name(), resp.StatusCode, wait)
}
