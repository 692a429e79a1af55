package retry

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/kairos-proxy/kairos/internal/config"
)

func intPtr(b bool) *bool { return &b }

func fakeResponse(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func TestNilConfigClassifiesDefaults(t *testing.T) {
	p := NewPolicy(nil)

	if p.Enabled() {
		t.Error("nil config should disable retries")
	}
	if p.MaxAttempts() != 1 {
		t.Errorf("MaxAttempts = %d, want 1", p.MaxAttempts())
	}
	for _, code := range []int{502, 503, 504} {
		if !p.RetryableStatus(code) {
			t.Errorf("%d should be retryable by default", code)
		}
	}
	for _, code := range []int{200, 400, 404, 500} {
		if p.RetryableStatus(code) {
			t.Errorf("%d must not be retryable", code)
		}
	}
}

func TestCustomRetryableStatuses(t *testing.T) {
	p := NewPolicy(&config.RetrySettings{
		MaxRetries:         2,
		RetryOnStatusCodes: []int{429, 503},
	})

	if !p.RetryableStatus(429) || !p.RetryableStatus(503) {
		t.Error("configured statuses should be retryable")
	}
	if p.RetryableStatus(502) {
		t.Error("502 not in the configured set")
	}
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	p := NewPolicy(&config.RetrySettings{
		MaxRetries:       2,
		InitialBackoffMs: 1,
	})

	attempts := 0
	resp, err := p.Execute(context.Background(), 0, func(n int) (*http.Response, bool, error) {
		attempts++
		if attempts < 3 {
			return fakeResponse(503), true, nil
		}
		return fakeResponse(200), false, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", attempts)
	}
	if got := p.Metrics.Retries.Load(); got != 2 {
		t.Errorf("retry metric = %d, want 2", got)
	}
}

func TestExecuteExhaustionReturnsLastResponse(t *testing.T) {
	p := NewPolicy(&config.RetrySettings{
		MaxRetries:       1,
		InitialBackoffMs: 1,
	})

	attempts := 0
	resp, err := p.Execute(context.Background(), 0, func(n int) (*http.Response, bool, error) {
		attempts++
		return fakeResponse(503), true, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.StatusCode != 503 {
		t.Errorf("status = %d, want the final 503", resp.StatusCode)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want max_retries+1 = 2", attempts)
	}
}

func TestExecuteNonRetryableStopsImmediately(t *testing.T) {
	p := NewPolicy(&config.RetrySettings{MaxRetries: 5, InitialBackoffMs: 1})

	attempts := 0
	resp, err := p.Execute(context.Background(), 0, func(n int) (*http.Response, bool, error) {
		attempts++
		return fakeResponse(404), false, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.StatusCode != 404 || attempts != 1 {
		t.Errorf("status=%d attempts=%d; non-retryable must return at once", resp.StatusCode, attempts)
	}
}

func TestExecuteBackoffSchedule(t *testing.T) {
	p := NewPolicy(&config.RetrySettings{
		MaxRetries:        2,
		InitialBackoffMs:  40,
		BackoffMultiplier: 2.0,
	})

	start := time.Now()
	p.Execute(context.Background(), 0, func(n int) (*http.Response, bool, error) {
		return fakeResponse(503), true, nil
	})
	elapsed := time.Since(start)

	// Sleeps: 40ms then 80ms
	if elapsed < 120*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 120ms of backoff", elapsed)
	}
}

func TestExecuteBackoffCappedAtMax(t *testing.T) {
	p := NewPolicy(&config.RetrySettings{
		MaxRetries:        3,
		InitialBackoffMs:  10,
		MaxBackoffMs:      15,
		BackoffMultiplier: 10,
	})

	start := time.Now()
	p.Execute(context.Background(), 0, func(n int) (*http.Response, bool, error) {
		return fakeResponse(503), true, nil
	})
	elapsed := time.Since(start)

	// Sleeps capped at 15ms each: 10 + 15 + 15 = 40ms, far below the
	// uncapped 10 + 100 + 1000.
	if elapsed > 200*time.Millisecond {
		t.Errorf("elapsed = %v; backoff must be capped at max_backoff", elapsed)
	}
}

func TestExecuteContextCancelAbortsBackoff(t *testing.T) {
	p := NewPolicy(&config.RetrySettings{
		MaxRetries:       3,
		InitialBackoffMs: 5000,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := p.Execute(ctx, 0, func(n int) (*http.Response, bool, error) {
		return nil, true, context.DeadlineExceeded
	})
	if err == nil {
		t.Fatal("cancelled execute should return an error")
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation should abort the backoff sleep")
	}
}

func TestExecuteAttemptCapOverride(t *testing.T) {
	p := NewPolicy(&config.RetrySettings{MaxRetries: 5, InitialBackoffMs: 1})

	attempts := 0
	p.Execute(context.Background(), 1, func(n int) (*http.Response, bool, error) {
		attempts++
		return fakeResponse(503), true, nil
	})
	if attempts != 1 {
		t.Errorf("attempts = %d; the override must cap the budget at 1", attempts)
	}
}

func TestConnectionErrorRetryToggle(t *testing.T) {
	off := NewPolicy(&config.RetrySettings{
		MaxRetries:             2,
		RetryOnConnectionError: intPtr(false),
	})
	if off.RetryOnConnError() {
		t.Error("retry_on_connection_error=false should disable transport retries")
	}

	on := NewPolicy(&config.RetrySettings{MaxRetries: 2})
	if !on.RetryOnConnError() {
		t.Error("transport retries default to enabled")
	}
}
