// Package provider fetches daily price history from the upstream market-data
// service. All failure modes are converted into typed errors at this boundary
// so callers can distinguish retryable from permanent failures.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Close is one daily closing observation.
type Close struct {
	Date  time.Time
	Price float64
}

// PriceSeries is a chronologically ascending sequence of daily closes.
// Missing trading days are absent entries, never zeros.
type PriceSeries []Close

// HistoryProvider supplies daily close history per symbol.
type HistoryProvider interface {
	History(ctx context.Context, symbol string, lookbackDays int) (PriceSeries, error)
}

// Permanent per-ticker failures. Not retried.
var (
	ErrUnknownSymbol       = errors.New("unknown symbol")
	ErrInsufficientHistory = errors.New("insufficient history")
)

// TransientError marks a failure worth retrying: network blips, 5xx responses,
// malformed payloads that may resolve on the next attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient fetch failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError signals the provider asked us to back off.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// IsRetryable reports whether the error should be retried with backoff.
func IsRetryable(err error) bool {
	var te *TransientError
	var rle *RateLimitError
	return errors.As(err, &te) || errors.As(err, &rle)
}

// IsPermanent reports whether the error is a permanent per-ticker failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnknownSymbol) || errors.Is(err, ErrInsufficientHistory)
}
