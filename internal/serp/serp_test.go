package serp

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/prospect/internal/provider"
	"github.com/FranksOps/prospect/pkg/backoff"
)

type fakeProvider struct {
	pages [][]Result
	errs  []error
	calls int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Search(ctx context.Context, req Request) (Response, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return Response{}, f.errs[i]
	}
	page := 0
	if req.Cursor != "" {
		page, _ = strconv.Atoi(req.Cursor)
	}
	if page >= len(f.pages) {
		return Response{}, nil
	}
	resp := Response{Results: f.pages[page]}
	if page+1 < len(f.pages) {
		resp.NextCursor = strconv.Itoa(page + 1)
	}
	return resp, nil
}

func TestCollect_FollowsCursor(t *testing.T) {
	p := &fakeProvider{pages: [][]Result{
		{{URL: "https://a.test"}},
		{{URL: "https://b.test"}},
		{{URL: "https://c.test"}},
	}}

	results, err := Collect(context.Background(), p, Request{Operator: "acme"}, 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 2, p.calls)
}

func TestCollect_ReturnsPartialResultsOnError(t *testing.T) {
	limited := &provider.Error{Provider: "fake", Kind: provider.RateLimited}
	p := &fakeProvider{
		pages: [][]Result{{{URL: "https://a.test"}}, {{URL: "https://b.test"}}},
		errs:  []error{nil, limited},
	}

	results, err := Collect(context.Background(), p, Request{Operator: "acme"}, 5)
	assert.ErrorIs(t, err, limited)
	assert.Len(t, results, 1)
}

func TestWithRetry_RetriesRateLimited(t *testing.T) {
	p := &fakeProvider{
		pages: [][]Result{{{URL: "https://a.test"}}},
		errs:  []error{&provider.Error{Provider: "fake", Kind: provider.RateLimited, Wait: time.Millisecond}},
	}
	r := WithRetry(p, backoff.Config{MaxRetries: 2, Initial: time.Millisecond}, nil)

	resp, err := r.Search(context.Background(), Request{Operator: "acme"})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)
	assert.Equal(t, 2, p.calls)
}

func TestWithRetry_DoesNotRetryQuota(t *testing.T) {
	p := &fakeProvider{
		errs: []error{&provider.Error{Provider: "fake", Kind: provider.QuotaExceeded}},
	}
	r := WithRetry(p, backoff.Config{MaxRetries: 3, Initial: time.Millisecond}, nil)

	_, err := r.Search(context.Background(), Request{Operator: "acme"})
	assert.Equal(t, provider.QuotaExceeded, provider.KindOf(err))
	assert.Equal(t, 1, p.calls)
}

func TestWithRetry_WrapsUntypedErrors(t *testing.T) {
	p := &fakeProvider{errs: []error{errors.New("boom")}}
	r := WithRetry(p, backoff.Config{MaxRetries: 0}, nil)

	_, err := r.Search(context.Background(), Request{Operator: "acme"})
	assert.Equal(t, provider.Unavailable, provider.KindOf(err))
}
