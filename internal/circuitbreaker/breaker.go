package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery with a single probe
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Defaults for breakers created without explicit settings.
const (
	DefaultFailureThreshold = 5
	DefaultOpenDuration     = 30 * time.Second
)

// Breaker gates dispatch for one (route, backend) pair.
//
// Closed admits everything and counts consecutive failures; reaching the
// threshold opens the circuit. Open rejects until the open duration has
// elapsed, at which point the next request transitions to HalfOpen (the
// transition is lazy; no timer fires). HalfOpen admits exactly one probe:
// its success closes the circuit, its failure reopens it and resets the
// timer.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	probeInFlight    bool
	failureThreshold int
	openDuration     time.Duration
	openedAt         time.Time

	// Totals exposed for metrics (atomic for lock-free reads)
	totalRequests atomic.Int64
	totalFailures atomic.Int64
	totalRejected atomic.Int64
}

// NewBreaker creates a circuit breaker. Non-positive arguments select the
// defaults.
func NewBreaker(failureThreshold int, openDuration time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if openDuration <= 0 {
		openDuration = DefaultOpenDuration
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
	}
}

// Allow reports whether a request may be dispatched through this breaker.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests.Add(1)

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.openedAt) >= b.openDuration {
			b.state = StateHalfOpen
			b.probeInFlight = true
			return true
		}
		b.totalRejected.Add(1)
		return false

	case StateHalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			return true
		}
		b.totalRejected.Add(1)
		return false
	}

	return false
}

// RecordSuccess records a successful dispatch.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.state = StateClosed
		b.failureCount = 0
		b.probeInFlight = false
	}
}

// RecordFailure records a failed dispatch. Only failures the retry layer
// classifies as backend faults reach here; ordinary 4xx responses do not.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures.Add(1)

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = time.Now()
		b.probeInFlight = false
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Rejecting reports whether the breaker would reject a request arriving
// now: Open before the open duration has elapsed, or HalfOpen with the
// probe already in flight. An expired Open breaker is not rejecting; the
// next request becomes the probe.
func (b *Breaker) Rejecting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		return time.Since(b.openedAt) < b.openDuration
	case StateHalfOpen:
		return b.probeInFlight
	}
	return false
}

// OpenExpiry returns when an Open breaker will admit its probe, and
// whether the breaker is Open (also past that time) or HalfOpen with its
// probe in flight. The balancer uses this
// to pick the soonest-to-recover backend when every backend is Open.
func (b *Breaker) OpenExpiry() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		return b.openedAt.Add(b.openDuration), true
	case StateHalfOpen:
		if b.probeInFlight {
			return b.openedAt.Add(b.openDuration), true
		}
	}
	return time.Time{}, false
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerSnapshot{
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		FailureThreshold: b.failureThreshold,
		TotalRequests:    b.totalRequests.Load(),
		TotalFailures:    b.totalFailures.Load(),
		TotalRejected:    b.totalRejected.Load(),
	}
}

// BreakerSnapshot is a point-in-time view of a circuit breaker.
type BreakerSnapshot struct {
	State            string `json:"state"`
	FailureCount     int    `json:"failure_count"`
	FailureThreshold int    `json:"failure_threshold"`
	TotalRequests    int64  `json:"total_requests"`
	TotalFailures    int64  `json:"total_failures"`
	TotalRejected    int64  `json:"total_rejected"`
}
