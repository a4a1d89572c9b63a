package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_Success(t *testing.T) {
	attempts := 0
	fn := func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	}

	config := RetryConfig{
		MaxRetries:     5,
		InitialBackoff: 10 * time.Millisecond,
		Multiplier:     2.0,
	}

	err := Retry(context.Background(), config, fn)
	if err != nil {
		t.Errorf("Retry() error = %v, want nil", err)
	}

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_MaxRetriesExceeded(t *testing.T) {
	attempts := 0
	fn := func(ctx context.Context) error {
		attempts++
		return errors.New("persistent error")
	}

	config := RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Millisecond,
	}

	err := Retry(context.Background(), config, fn)
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("expected ErrMaxRetriesExceeded, got %v", err)
	}

	if attempts != 4 { // Initial attempt + 3 retries
		t.Errorf("attempts = %d, want 4", attempts)
	}
}

func TestRetry_ContextCanceled(t *testing.T) {
	fn := func(ctx context.Context) error {
		return errors.New("error")
	}

	config := RetryConfig{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, config, fn)
	if !errors.Is(err, ErrRetryAborted) {
		t.Errorf("expected ErrRetryAborted, got %v", err)
	}
}

func TestRetry_PermanentError(t *testing.T) {
	attempts := 0
	fn := func(ctx context.Context) error {
		attempts++
		return MarkPermanent(errors.New("fatal"))
	}

	err := Retry(context.Background(), RetryConfig{MaxRetries: 5, InitialBackoff: time.Millisecond}, fn)
	if err == nil {
		t.Fatal("Retry() succeeded, want error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_DelaysStrictlyIncreasing(t *testing.T) {
	var delays []time.Duration
	fn := func(ctx context.Context) error {
		return errors.New("always fails")
	}

	config := RetryConfig{
		MaxRetries:     4,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		OnRetry: func(attempt int, delay time.Duration) {
			delays = append(delays, delay)
		},
	}

	_ = Retry(context.Background(), config, fn)

	if len(delays) != 4 {
		t.Fatalf("recorded %d delays, want 4", len(delays))
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Errorf("delay %d (%v) not greater than delay %d (%v)", i, delays[i], i-1, delays[i-1])
		}
	}
}

func TestExponentialBackoff_CappedAtMax(t *testing.T) {
	got := ExponentialBackoff(20, time.Second, 2.0, 30*time.Second)
	if got != 30*time.Second {
		t.Errorf("ExponentialBackoff = %v, want 30s", got)
	}
}
