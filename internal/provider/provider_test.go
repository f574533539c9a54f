package provider

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		permanent bool
	}{
		{"unknown symbol", ErrUnknownSymbol, false, true},
		{"insufficient history", ErrInsufficientHistory, false, true},
		{"wrapped insufficient history", fmt.Errorf("AAPL: %w", ErrInsufficientHistory), false, true},
		{"transient", &TransientError{Err: errors.New("connection reset")}, true, false},
		{"rate limited", &RateLimitError{RetryAfter: 5 * time.Second}, true, false},
		{"plain error", errors.New("boom"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", got, tt.permanent)
			}
		})
	}
}
