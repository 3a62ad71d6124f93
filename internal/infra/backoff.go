package infra

import (
	"context"
	"time"

	"margin_go/internal/domain"
)

const (
	// Standard backoff constants
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// CalculateBackoff returns the exponential backoff duration for a given retry count.
// Logic: baseDelay * 2^retryCount, capped at maxDelay.
// If retryCount is negative, it returns baseDelay.
func CalculateBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		return baseDelay
	}

	// 2^30 is already > 1 billion seconds > maxDelay.
	if retryCount > 30 {
		return maxDelay
	}

	backoff := baseDelay * time.Duration(1<<retryCount)

	if backoff > maxDelay {
		return maxDelay
	}

	return backoff
}

// RetryPolicy describes bounded retries for transient errors at the
// persistence boundary. Non-retriable errors abort immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  int
	MaxDelay    time.Duration
}

// DefaultRetryPolicy suits short-lived store operations inside a poll cycle.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    1 * time.Second,
	}
}

// delay returns the wait before attempt n (0-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= time.Duration(p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Retry runs fn up to MaxAttempts times, sleeping between attempts.
// It stops early on success, on a non-retriable error, or when ctx ends.
func (p RetryPolicy) Retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !domain.IsRetriable(err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay(attempt)):
		}
	}
	return err
}
