package retry

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kairos-proxy/kairos/internal/config"
)

// DefaultRetryableStatuses are status codes that count as transient
// backend failures.
var DefaultRetryableStatuses = []int{502, 503, 504}

// Policy wraps forward attempts with retry on transient failure.
type Policy struct {
	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	multiplier        float64
	retryableStatuses map[int]bool
	retryOnConnError  bool

	Metrics Metrics
}

// Metrics tracks retry statistics for a route.
type Metrics struct {
	Requests  atomic.Int64
	Retries   atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
}

// NewPolicy creates a retry policy. A nil config yields a single-attempt
// policy that still classifies the default retryable statuses (the
// circuit breaker needs the classification even when retry is off).
func NewPolicy(cfg *config.RetrySettings) *Policy {
	p := &Policy{
		retryableStatuses: make(map[int]bool),
	}

	if cfg == nil {
		for _, s := range DefaultRetryableStatuses {
			p.retryableStatuses[s] = true
		}
		p.retryOnConnError = true
		return p
	}

	p.maxRetries = cfg.MaxRetries
	p.initialBackoff = cfg.InitialBackoff()
	p.maxBackoff = cfg.MaxBackoff()
	p.multiplier = cfg.Multiplier()
	p.retryOnConnError = cfg.OnConnectionError()
	for _, s := range cfg.StatusCodes() {
		p.retryableStatuses[s] = true
	}
	return p
}

// MaxAttempts returns the total attempt budget (retries plus the first
// attempt).
func (p *Policy) MaxAttempts() int {
	return p.maxRetries + 1
}

// Enabled reports whether the policy performs any retries.
func (p *Policy) Enabled() bool {
	return p.maxRetries > 0
}

// RetryableStatus reports whether a response status counts as a
// transient backend failure.
func (p *Policy) RetryableStatus(code int) bool {
	return p.retryableStatuses[code]
}

// RetryOnConnError reports whether transport errors trigger retries.
func (p *Policy) RetryOnConnError() bool {
	return p.retryOnConnError
}

// newSchedule builds the exponential backoff sequence
// min(initial x multiplier^n, max) with randomization disabled so the
// schedule is exact.
func (p *Policy) newSchedule() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.initialBackoff,
		RandomizationFactor: 0,
		Multiplier:          p.multiplier,
		MaxInterval:         p.maxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Attempt is one forward attempt. It returns the response (possibly nil),
// whether the outcome is retryable, and a terminal error.
type Attempt func(n int) (resp *http.Response, retryable bool, err error)

// Execute runs the attempt loop: on a retryable outcome it sleeps the
// next backoff interval and tries again, up to the attempt budget.
// Context cancellation aborts the sleep. maxAttempts caps the budget
// below the policy's own (used when the body could not be buffered);
// pass 0 for the policy default.
func (p *Policy) Execute(ctx context.Context, maxAttempts int, attempt Attempt) (*http.Response, error) {
	p.Metrics.Requests.Add(1)

	budget := p.MaxAttempts()
	if maxAttempts > 0 && maxAttempts < budget {
		budget = maxAttempts
	}

	schedule := p.newSchedule()

	var lastResp *http.Response
	var lastErr error

	for n := 0; n < budget; n++ {
		if n > 0 {
			p.Metrics.Retries.Add(1)
			select {
			case <-ctx.Done():
				if lastResp != nil {
					lastResp.Body.Close()
				}
				p.Metrics.Failures.Add(1)
				return nil, ctx.Err()
			case <-time.After(schedule.NextBackOff()):
			}
		}

		resp, retryable, err := attempt(n)
		if !retryable {
			if lastResp != nil {
				lastResp.Body.Close()
			}
			if err != nil {
				p.Metrics.Failures.Add(1)
				return nil, err
			}
			p.Metrics.Successes.Add(1)
			return resp, nil
		}

		// Retryable: discard the previous held response before keeping
		// this one for the exhaustion case.
		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp = resp
		lastErr = err
	}

	p.Metrics.Failures.Add(1)
	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}
