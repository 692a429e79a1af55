package loadbalancer

import (
	"math/rand"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/kairos-proxy/kairos/internal/circuitbreaker"
	"github.com/kairos-proxy/kairos/internal/config"
)

// Backend is one upstream endpoint in a route's pool.
type Backend struct {
	URL             string
	Weight          int
	HealthCheckPath string
	ParsedURL       *url.URL // pre-parsed to avoid per-request parsing

	active    atomic.Int64
	unhealthy atomic.Bool // zero value means healthy
}

// MarkHealthy records a passing health check.
func (b *Backend) MarkHealthy() { b.unhealthy.Store(false) }

// MarkUnhealthy records a failing health check.
func (b *Backend) MarkUnhealthy() { b.unhealthy.Store(true) }

// Healthy reports whether the last health check passed.
func (b *Backend) Healthy() bool { return !b.unhealthy.Load() }

// IncrActive atomically increments the live request count.
func (b *Backend) IncrActive() { b.active.Add(1) }

// DecrActive atomically decrements the live request count.
func (b *Backend) DecrActive() { b.active.Add(-1) }

// Active atomically reads the live request count.
func (b *Backend) Active() int64 { return b.active.Load() }

// Balancer selects one backend from a route's pool per request attempt.
// The strategy is a tag over a closed set; Select dispatches on it with a
// switch, keeping the hot path branch-predictable. Backends whose circuit
// breaker is rejecting are excluded; when every backend rejects, the one
// whose Open period expires soonest is returned so a probe can go out.
type Balancer struct {
	routeID  string
	strategy string
	backends []*Backend
	expanded []int // weight-expanded backend indices, built once
	cursor   atomic.Uint64
	breakers *circuitbreaker.Registry
}

// New builds a balancer for one route. Validation guarantees a non-empty
// pool.
func New(routeID, strategy string, pool []config.Backend, breakers *circuitbreaker.Registry) *Balancer {
	b := &Balancer{
		routeID:  routeID,
		strategy: strategy,
		breakers: breakers,
	}

	b.backends = make([]*Backend, len(pool))
	for i, cfg := range pool {
		parsed, _ := url.Parse(cfg.URL())
		b.backends[i] = &Backend{
			URL:             cfg.URL(),
			Weight:          cfg.EffectiveWeight(),
			HealthCheckPath: cfg.HealthCheckPath,
			ParsedURL:       parsed,
		}
	}

	for i, backend := range b.backends {
		for w := 0; w < backend.Weight; w++ {
			b.expanded = append(b.expanded, i)
		}
	}

	return b
}

// Backends returns the full pool.
func (b *Balancer) Backends() []*Backend {
	return b.backends
}

// Select picks one backend for this request attempt. It never returns nil
// for a non-empty pool and never returns a backend outside the pool.
func (b *Balancer) Select(clientIP string) *Backend {
	eligible := b.eligible()
	if len(eligible) == 0 {
		return b.soonestProbe()
	}

	switch b.strategy {
	case config.StrategyLeastConnections:
		return leastConnections(eligible)
	case config.StrategyRandom:
		return eligible[rand.Intn(len(eligible))]
	case config.StrategyWeighted:
		return b.weighted(eligible)
	case config.StrategyIPHash:
		return eligible[xxhash.Sum64String(clientIP)%uint64(len(eligible))]
	default: // round robin
		idx := b.cursor.Add(1)
		return eligible[(idx-1)%uint64(len(eligible))]
	}
}

// eligible filters the pool by circuit breaker state and health check
// outcome. When every backend is eligible the pool slice is returned
// directly, with zero allocations.
func (b *Balancer) eligible() []*Backend {
	for i, backend := range b.backends {
		if b.excluded(backend) {
			filtered := make([]*Backend, 0, len(b.backends))
			filtered = append(filtered, b.backends[:i]...)
			for _, be := range b.backends[i+1:] {
				if !b.excluded(be) {
					filtered = append(filtered, be)
				}
			}
			return filtered
		}
	}
	return b.backends
}

func (b *Balancer) excluded(backend *Backend) bool {
	if !backend.Healthy() {
		return true
	}
	br := b.breakers.Peek(b.routeID, backend.URL)
	return br != nil && br.Rejecting()
}

// soonestProbe returns the backend whose Open period expires first. Used
// only when the whole pool is rejecting, so one probe can be attempted.
func (b *Balancer) soonestProbe() *Backend {
	best := b.backends[0]
	bestExpiry := time.Time{}
	for i, backend := range b.backends {
		br := b.breakers.Peek(b.routeID, backend.URL)
		if br == nil {
			return backend
		}
		expiry, rejecting := br.OpenExpiry()
		if !rejecting {
			return backend
		}
		if i == 0 || expiry.Before(bestExpiry) {
			best = backend
			bestExpiry = expiry
		}
	}
	return best
}

// leastConnections picks the backend with the fewest live requests; ties
// break in pool order.
func leastConnections(eligible []*Backend) *Backend {
	best := eligible[0]
	bestActive := best.Active()
	for _, backend := range eligible[1:] {
		if active := backend.Active(); active < bestActive {
			best = backend
			bestActive = active
		}
	}
	return best
}

// weighted draws from the weight-expanded list, restricted to eligible
// backends.
func (b *Balancer) weighted(eligible []*Backend) *Backend {
	if len(eligible) == len(b.backends) {
		return b.backends[b.expanded[rand.Intn(len(b.expanded))]]
	}

	total := 0
	for _, backend := range eligible {
		total += backend.Weight
	}
	roll := rand.Intn(total)
	for _, backend := range eligible {
		roll -= backend.Weight
		if roll < 0 {
			return backend
		}
	}
	return eligible[len(eligible)-1]
}
