package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrRetryAborted       = errors.New("retry aborted")
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool

	// OnRetry, when set, is invoked before each wait with the attempt
	// number (starting at 1) and the delay about to be applied.
	OnRetry func(attempt int, delay time.Duration)
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context) error

// Retry executes a function with exponential backoff retry logic. Context
// and permanent errors abort immediately; delays grow strictly until
// MaxBackoff is reached.
func Retry(ctx context.Context, config RetryConfig, fn RetryFunc) error {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.Multiplier == 0 {
		config.Multiplier = 2.0
	}

	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if attempt == config.MaxRetries {
			return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
		}

		backoff := ExponentialBackoff(attempt, config.InitialBackoff, config.Multiplier, config.MaxBackoff)
		if config.Jitter {
			backoff = addJitter(backoff)
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt+1, backoff)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrRetryAborted, ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// Permanent wraps err so Retry gives up immediately instead of retrying.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// MarkPermanent flags an error as not worth retrying.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// isRetryable determines if an error should trigger a retry
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var p *Permanent
	return !errors.As(err, &p)
}

// addJitter adds randomness to backoff duration
func addJitter(d time.Duration) time.Duration {
	// ±20%
	jitter := float64(d) * 0.2
	offset := (float64(time.Now().UnixNano()%1000) / 1000.0) * jitter
	return time.Duration(float64(d) + offset - jitter/2)
}

// ExponentialBackoff calculates the delay before retrying after the given
// zero-based attempt.
func ExponentialBackoff(attempt int, initial time.Duration, multiplier float64, max time.Duration) time.Duration {
	backoff := time.Duration(float64(initial) * math.Pow(multiplier, float64(attempt)))
	if backoff > max {
		backoff = max
	}
	return backoff
}
