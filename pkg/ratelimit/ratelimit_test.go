package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_NoBlockWhenZeroRPS(t *testing.T) {
	limiter := NewLimiter(0, 0.5)

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if time.Since(start) > 10*time.Millisecond {
		t.Errorf("limiter with 0 RPS should not block")
	}
}

func TestLimiter_Wait(t *testing.T) {
	limiter := NewLimiter(10, 0) // 100ms interval
	ctx := context.Background()

	// The first token is available immediately.
	_ = limiter.Wait(ctx)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	duration := time.Since(start)
	if duration < 50*time.Millisecond || duration > 200*time.Millisecond {
		t.Errorf("expected wait around 100ms, took %v", duration)
	}
}

func TestLimiter_ContextCancellation(t *testing.T) {
	limiter := NewLimiter(1, 0)
	ctx, cancel := context.WithCancel(context.Background())

	_ = limiter.Wait(context.Background())
	cancel()

	if err := limiter.Wait(ctx); err == nil {
		t.Fatalf("expected context canceled error")
	}
}

func TestLimiter_Jitter(t *testing.T) {
	limiter := NewLimiter(10, 0.5) // 100ms interval, up to 50ms extra
	ctx := context.Background()

	_ = limiter.Wait(ctx)

	start := time.Now()
	_ = limiter.Wait(ctx)
	duration := time.Since(start)

	if duration < 50*time.Millisecond || duration > 300*time.Millisecond {
		t.Errorf("expected jittered wait between 100ms and 150ms, took %v", duration)
	}
}

func TestHostLimiter_IndependentHosts(t *testing.T) {
	hl := NewHostLimiter(1, 1) // one request per second per host
	ctx := context.Background()

	start := time.Now()
	for _, u := range []string{"https://a.example.com/x", "https://b.example.com/y", "https://c.example.com/z"} {
		if err := hl.WaitURL(ctx, u); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("first request to distinct hosts should not block, took %v", time.Since(start))
	}
	if hl.Hosts() != 3 {
		t.Errorf("expected 3 hosts, got %d", hl.Hosts())
	}
}

func TestHostLimiter_SameHostBlocks(t *testing.T) {
	hl := NewHostLimiter(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := hl.WaitURL(ctx, "https://a.example.com/1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := hl.WaitURL(ctx, "https://A.example.com/2"); err == nil {
		t.Errorf("expected second request to the same host to exceed the deadline")
	}
}

func TestHostOf(t *testing.T) {
	tests := map[string]string{
		"https://Example.COM:8443/path": "example.com",
		"not a url":                     "_",
		"":                              "_",
	}
	for in, want := range tests {
		if got := HostOf(in); got != want {
			t.Errorf("HostOf(%q) = %q, want %q", in, got, want)
		}
	}
}
