package ratelimit

import (
	"sync"

	"github.com/kairos-proxy/kairos/internal/config"
)

// Registry owns per-route limiters across config swaps. A route keeps its
// bucket state through a reload as long as its policy is unchanged; a
// changed policy replaces the limiter, and routes removed from the table
// have their limiters closed by Prune.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	fingerprint string
	limiter     *Limiter
}

// NewRegistry creates an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Limiter returns the limiter for a route under the given policy,
// creating or replacing it as needed. A nil policy yields nil: the route
// is not rate limited.
func (r *Registry) Limiter(routeID string, policy *config.RateLimitSettings) *Limiter {
	if policy == nil {
		return nil
	}
	fingerprint := policy.Fingerprint()

	r.mu.RLock()
	e, ok := r.entries[routeID]
	r.mu.RUnlock()
	if ok && e.fingerprint == fingerprint {
		return e.limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[routeID]; ok && e.fingerprint == fingerprint {
		return e.limiter
	}
	if ok {
		e.limiter.Close()
	}
	limiter := New(policy)
	r.entries[routeID] = &entry{fingerprint: fingerprint, limiter: limiter}
	return limiter
}

// Prune closes and removes limiters for routes no longer in the table.
func (r *Registry) Prune(activeRouteIDs map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if !activeRouteIDs[id] {
			e.limiter.Close()
			delete(r.entries, id)
		}
	}
}

// Len returns the number of registered limiters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
