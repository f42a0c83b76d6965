package serp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/prospect/internal/provider"
)

func newTestGoogle(t *testing.T, handler http.HandlerFunc) *Google {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	g, err := NewGoogle(GoogleConfig{APIKey: "key", EngineID: "cx", Endpoint: ts.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return g
}

func TestGoogle_Search(t *testing.T) {
	g := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "key", q.Get("key"))
		assert.Equal(t, "cx", q.Get("cx"))
		assert.Equal(t, `site:linkedin.com/jobs "data scientist"`, q.Get("q"))
		assert.Equal(t, "5", q.Get("num"))
		assert.Equal(t, "11", q.Get("start"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"items": [
				{"title": "Data Scientist - Acme", "link": "https://acme.test/jobs/1", "snippet": "Acme is hiring"},
				{"title": "Beta Pharma careers", "link": "https://beta.test/careers", "snippet": "Join us"}
			],
			"queries": {"nextPage": [{"startIndex": 13}]}
		}`))
	})

	resp, err := g.Search(context.Background(), Request{Operator: `site:linkedin.com/jobs "data scientist"`, Cursor: "11", Limit: 5})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "https://acme.test/jobs/1", resp.Results[0].URL)
	assert.Equal(t, 11, resp.Results[0].Rank)
	assert.Equal(t, 12, resp.Results[1].Rank)
	assert.Equal(t, "13", resp.NextCursor)
}

func TestGoogle_NoMorePages(t *testing.T) {
	g := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items": []}`))
	})

	resp, err := g.Search(context.Background(), Request{Operator: "acme"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Empty(t, resp.NextCursor)
}

func TestGoogle_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   provider.Kind
	}{
		{"daily quota", http.StatusForbidden, `{"error":{"code":403,"message":"quota","errors":[{"reason":"dailyLimitExceeded"}]}}`, provider.QuotaExceeded},
		{"rate limit reason", http.StatusForbidden, `{"error":{"code":403,"message":"slow down","errors":[{"reason":"rateLimitExceeded"}]}}`, provider.RateLimited},
		{"429", http.StatusTooManyRequests, `{}`, provider.RateLimited},
		{"bad request", http.StatusBadRequest, `{"error":{"code":400,"message":"invalid","errors":[{"reason":"invalid"}]}}`, provider.MalformedRequest},
		{"server error", http.StatusInternalServerError, ``, provider.Unavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := g.Search(context.Background(), Request{Operator: "acme"})
			assert.Equal(t, tt.want, provider.KindOf(err))
		})
	}
}

func TestGoogle_RejectsBadInput(t *testing.T) {
	g := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	})

	_, err := g.Search(context.Background(), Request{Operator: "  "})
	assert.Equal(t, provider.MalformedRequest, provider.KindOf(err))

	_, err = g.Search(context.Background(), Request{Operator: "acme", Cursor: "zero"})
	assert.Equal(t, provider.MalformedRequest, provider.KindOf(err))
}

func TestNewGoogle_RequiresCredentials(t *testing.T) {
	_, err := NewGoogle(GoogleConfig{})
	assert.Error(t, err)
}
