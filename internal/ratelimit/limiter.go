package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kairos-proxy/kairos/internal/config"
)

// Decision is the outcome of an admission check. RetryAfter is advisory:
// the time until the next token or window boundary.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// tokenBucket holds per-key token bucket state via x/time/rate.
type tokenBucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// fixedWindow holds one counter per window.
type fixedWindow struct {
	windowStart time.Time
	count       int
	lastUsed    time.Time
}

// slidingWindow holds a time-ordered log of admitted request timestamps.
type slidingWindow struct {
	timestamps []time.Time
	lastUsed   time.Time
}

// Limiter admits or rejects requests for one policy. The algorithm is a
// tag over a closed set; Check dispatches on it directly. Per-key state
// lives in a sharded map; each bucket's own update is serialized by its
// shard mutex.
type Limiter struct {
	algorithm string
	window    time.Duration
	max       int
	burst     int
	ratePerS  float64
	keyFn     func(*http.Request) string

	buckets *shardedMap[*tokenBucket]
	windows *shardedMap[*fixedWindow]
	logs    *shardedMap[*slidingWindow]

	done chan struct{}
}

// New creates a limiter for one policy and starts its eviction sweep.
func New(policy *config.RateLimitSettings) *Limiter {
	algorithm := policy.Algorithm
	if algorithm == "" {
		algorithm = config.AlgorithmTokenBucket
	}

	l := &Limiter{
		algorithm: algorithm,
		window:    policy.Window(),
		max:       policy.MaxRequests(),
		burst:     policy.Burst(),
		ratePerS:  policy.RequestsPerSecond,
		keyFn:     buildKeyFunc(policy.Key),
		done:      make(chan struct{}),
	}

	switch algorithm {
	case config.AlgorithmFixedWindow:
		l.windows = newShardedMap[*fixedWindow]()
	case config.AlgorithmSlidingWindow:
		l.logs = newShardedMap[*slidingWindow]()
	default:
		l.buckets = newShardedMap[*tokenBucket]()
	}

	go l.sweep()
	return l
}

// Key derives the admission key for a request: client IP unless a header
// selector is configured.
func (l *Limiter) Key(r *http.Request) string {
	return l.keyFn(r)
}

// Check admits or rejects one request for the given key.
func (l *Limiter) Check(key string) Decision {
	now := time.Now()
	switch l.algorithm {
	case config.AlgorithmFixedWindow:
		return l.checkFixedWindow(key, now)
	case config.AlgorithmSlidingWindow:
		return l.checkSlidingWindow(key, now)
	default:
		return l.checkTokenBucket(key, now)
	}
}

// checkTokenBucket refills (now - last) x rate tokens up to burst and
// deducts one on admission.
func (l *Limiter) checkTokenBucket(key string, now time.Time) Decision {
	s := l.buckets.getShard(key)
	s.mu.Lock()

	b, exists := s.items[key]
	if !exists {
		b = &tokenBucket{
			limiter: rate.NewLimiter(rate.Limit(l.ratePerS), l.burst),
		}
		s.items[key] = b
	}
	b.lastUsed = now

	reservation := b.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		s.mu.Unlock()
		return Decision{Allowed: false, Limit: l.burst, RetryAfter: l.window}
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		// No whole token available yet; release the reservation and
		// report the wait as the retry hint.
		reservation.CancelAt(now)
		s.mu.Unlock()
		return Decision{Allowed: false, Limit: l.burst, RetryAfter: delay}
	}

	remaining := int(b.limiter.TokensAt(now))
	s.mu.Unlock()
	return Decision{Allowed: true, Limit: l.burst, Remaining: remaining}
}

// checkFixedWindow resets the counter when the window has elapsed, else
// increments and compares against the budget.
func (l *Limiter) checkFixedWindow(key string, now time.Time) Decision {
	s := l.windows.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.items[key]
	if !exists {
		w = &fixedWindow{}
		s.items[key] = w
	}
	w.lastUsed = now

	if now.Sub(w.windowStart) >= l.window {
		w.windowStart = now
		w.count = 1
		return Decision{Allowed: true, Limit: l.max, Remaining: l.max - 1}
	}

	if w.count < l.max {
		w.count++
		return Decision{Allowed: true, Limit: l.max, Remaining: l.max - w.count}
	}

	return Decision{
		Allowed:    false,
		Limit:      l.max,
		RetryAfter: w.windowStart.Add(l.window).Sub(now),
	}
}

// checkSlidingWindow drops log entries older than the window and admits
// while the remaining count is under the budget. The log is truncated at
// the budget, bounding memory per key.
func (l *Limiter) checkSlidingWindow(key string, now time.Time) Decision {
	s := l.logs.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.items[key]
	if !exists {
		w = &slidingWindow{}
		s.items[key] = w
	}
	w.lastUsed = now

	cutoff := now.Add(-l.window)
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept

	if len(w.timestamps) < l.max {
		w.timestamps = append(w.timestamps, now)
		return Decision{Allowed: true, Limit: l.max, Remaining: l.max - len(w.timestamps)}
	}

	return Decision{
		Allowed:    false,
		Limit:      l.max,
		RetryAfter: w.timestamps[0].Add(l.window).Sub(now),
	}
}

// sweep evicts keys idle for longer than twice the window.
func (l *Limiter) sweep() {
	interval := 2 * l.window
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * l.window)
			switch l.algorithm {
			case config.AlgorithmFixedWindow:
				l.windows.deleteFunc(func(_ string, w *fixedWindow) bool {
					return w.lastUsed.Before(cutoff)
				})
			case config.AlgorithmSlidingWindow:
				l.logs.deleteFunc(func(_ string, w *slidingWindow) bool {
					return w.lastUsed.Before(cutoff)
				})
			default:
				l.buckets.deleteFunc(func(_ string, b *tokenBucket) bool {
					return b.lastUsed.Before(cutoff)
				})
			}
		}
	}
}

// Close stops the eviction sweep.
func (l *Limiter) Close() {
	close(l.done)
}

// Keys returns the number of tracked keys, for metrics and tests.
func (l *Limiter) Keys() int {
	switch l.algorithm {
	case config.AlgorithmFixedWindow:
		return l.windows.len()
	case config.AlgorithmSlidingWindow:
		return l.logs.len()
	default:
		return l.buckets.len()
	}
}

// buildKeyFunc returns a key extraction function: client IP by default, a
// header value when configured (falling back to IP when absent).
func buildKeyFunc(key string) func(*http.Request) string {
	if name, ok := strings.CutPrefix(key, "header:"); ok {
		prefix := "header:" + name + ":"
		return func(r *http.Request) string {
			if v := r.Header.Get(name); v != "" {
				return prefix + v
			}
			return ClientIP(r)
		}
	}
	return ClientIP
}

// ClientIP extracts the client address: the first X-Forwarded-For hop if
// present, else the remote address host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
