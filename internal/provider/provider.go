// Package provider holds the error contract shared by remote search and
// enrichment services.
package provider

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a provider failure.
type Kind string

const (
	RateLimited      Kind = "rate_limited"
	QuotaExceeded    Kind = "quota_exceeded"
	MalformedRequest Kind = "malformed_request"
	Unavailable      Kind = "unavailable"
)

// Error is returned by remote providers.
type Error struct {
	Provider string
	Kind     Kind
	// Wait is the provider's Retry-After hint, zero when unknown.
	Wait time.Duration
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RetryAfter satisfies backoff.RetryAfterer.
func (e *Error) RetryAfter() time.Duration {
	return e.Wait
}

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == RateLimited || e.Kind == Unavailable
}

// KindOf returns the Kind of err's *Error, or "" when err is not a provider error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsRetryable reports whether err is a retryable provider error.
func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable()
}

// FromStatus maps an HTTP status returned by a provider to an *Error, or nil
// for success codes.
func FromStatus(name string, status int, wait time.Duration) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 429:
		return &Error{Provider: name, Kind: RateLimited, Wait: wait, Err: fmt.Errorf("status %d", status)}
	case status == 402:
		return &Error{Provider: name, Kind: QuotaExceeded, Err: fmt.Errorf("status %d", status)}
	case status >= 400 && status < 500:
		return &Error{Provider: name, Kind: MalformedRequest, Err: fmt.Errorf("status %d", status)}
	default:
		return &Error{Provider: name, Kind: Unavailable, Wait: wait, Err: fmt.Errorf("status %d", status)}
	}
}
