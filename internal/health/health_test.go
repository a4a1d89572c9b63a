package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRunAll(t *testing.T) {
	c := NewChecker(5 * time.Second)

	c.Register("source", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusHealthy, Message: "tailing 2 files"}
	})
	c.Register("upload-queue", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusDegraded, Message: "queue nearly full"}
	})

	results := c.RunAll(context.Background())
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results["source"].Status != StatusHealthy {
		t.Errorf("Expected source healthy, got %s", results["source"].Status)
	}
	if results["upload-queue"].Status != StatusDegraded {
		t.Errorf("Expected upload-queue degraded, got %s", results["upload-queue"].Status)
	}
	if results["source"].LastChecked.IsZero() {
		t.Error("LastChecked should be set")
	}

	last := c.LastStatus()
	if len(last) != 2 {
		t.Errorf("Expected 2 cached statuses, got %d", len(last))
	}
}

func TestOverallStatus(t *testing.T) {
	c := NewChecker(time.Second)

	c.Register("a", CheckFunc(func() (bool, string) { return true, "" }))
	if got := c.OverallStatus(context.Background()); got != StatusHealthy {
		t.Fatalf("Expected healthy, got %s", got)
	}

	c.Register("b", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusDegraded}
	})
	if got := c.OverallStatus(context.Background()); got != StatusDegraded {
		t.Fatalf("Expected degraded, got %s", got)
	}

	c.Register("c", CheckFunc(func() (bool, string) { return false, "down" }))
	if got := c.OverallStatus(context.Background()); got != StatusUnhealthy {
		t.Fatalf("Expected unhealthy, got %s", got)
	}
}

func TestCheckTimeout(t *testing.T) {
	c := NewChecker(50 * time.Millisecond)

	c.Register("slow", func(ctx context.Context) ComponentHealth {
		select {
		case <-ctx.Done():
			return ComponentHealth{Status: StatusUnhealthy, Message: "timed out"}
		case <-time.After(time.Second):
			return ComponentHealth{Status: StatusHealthy}
		}
	})

	results := c.RunAll(context.Background())
	if results["slow"].Status != StatusUnhealthy {
		t.Errorf("Expected slow check to time out unhealthy, got %s", results["slow"].Status)
	}
}

func TestHTTPHandler(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("catalog", CheckFunc(func() (bool, string) { return true, "" }))

	rec := httptest.NewRecorder()
	c.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp struct {
		Status     Status                     `json:"status"`
		Components map[string]ComponentHealth `json:"components"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != StatusHealthy {
		t.Errorf("Expected healthy, got %s", resp.Status)
	}
	if _, ok := resp.Components["catalog"]; !ok {
		t.Error("catalog component missing from response")
	}
}

func TestHTTPHandlerUnhealthy(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("store", CheckFunc(func() (bool, string) { return false, "unreachable" }))

	rec := httptest.NewRecorder()
	c.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("ok", CheckFunc(func() (bool, string) { return true, "" }))

	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	c.Register("bad", CheckFunc(func() (bool, string) { return false, "broken" }))
	rec = httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}
}
