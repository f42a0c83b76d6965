// Package backoff retries operations with exponential backoff and jitter.
package backoff

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	// MaxRetries is the number of retries after the first attempt. Zero disables retries.
	MaxRetries int

	// Initial is the base delay before the first retry. Default: 500ms.
	Initial time.Duration

	// Max caps the computed delay. Default: 30s.
	Max time.Duration

	// Multiplier scales the delay after each attempt. Default: 2.0.
	Multiplier float64

	// Jitter is a fraction of the computed delay applied as ± noise. Default: 0.25.
	Jitter float64

	// MaxRetryAfter caps server-provided Retry-After hints. Default: Max.
	MaxRetryAfter time.Duration

	// ShouldRetry decides whether err is worth another attempt. Nil retries every error.
	ShouldRetry func(err error) bool

	// OnRetry is called before each sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Default returns the configuration used by the fetcher and providers.
func Default() Config {
	return Config{
		MaxRetries: 3,
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.25,
	}
}

// RetryAfterer is implemented by errors that carry a server hint for the next attempt.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Do runs fn until it succeeds, ShouldRetry rejects the error, retries are
// exhausted, or ctx is done. The last error is returned.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for functions returning a value.
func DoVal[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	var zero T
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, lastErr
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			return zero, lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := cfg.Delay(attempt, err)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}

	return zero, lastErr
}

// Delay returns the wait before retry number attempt+1. A Retry-After hint on
// err takes precedence over the exponential schedule.
func (cfg Config) Delay(attempt int, err error) time.Duration {
	cfg = applyDefaults(cfg)

	var ra RetryAfterer
	if errors.As(err, &ra) {
		if d := ra.RetryAfter(); d > 0 {
			return min(d, cfg.MaxRetryAfter)
		}
	}

	delay := float64(cfg.Initial) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	if cfg.Jitter > 0 {
		spread := delay * cfg.Jitter
		delay += (rand.Float64()*2 - 1) * spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func applyDefaults(cfg Config) Config {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Initial <= 0 {
		cfg.Initial = 500 * time.Millisecond
	}
	if cfg.Max <= 0 {
		cfg.Max = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = cfg.Max
	}
	return cfg
}

// IsTransientStatus reports whether an HTTP status is worth retrying.
func IsTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// ParseRetryAfter reads a Retry-After header given either as delta-seconds or
// an HTTP date. It returns zero when the header is absent or unparseable.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// LogRetry returns an OnRetry callback that logs each attempt at Warn.
func LogRetry(logger *slog.Logger, op string, attrs ...any) func(int, time.Duration, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(attempt int, delay time.Duration, err error) {
		args := append([]any{"op", op, "attempt", attempt, "delay", delay, "err", err}, attrs...)
		logger.Warn("retrying", args...)
	}
}
