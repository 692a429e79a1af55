package circuitbreaker

import (
	"strings"
	"sync"
	"time"
)

// Registry manages breakers per (route, backend) pair. Breakers are
// created lazily on first dispatch to a pair and discarded when the route
// or backend disappears from the table.
type Registry struct {
	mu               sync.RWMutex
	breakers         map[string]*Breaker
	failureThreshold int
	openDuration     time.Duration
}

// NewRegistry creates a breaker registry. Non-positive arguments select
// the defaults.
func NewRegistry(failureThreshold int, openDuration time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
	}
}

func pairKey(routeID, backendURL string) string {
	return routeID + "\x00" + backendURL
}

// Get returns the breaker for a pair, creating it lazily.
func (r *Registry) Get(routeID, backendURL string) *Breaker {
	key := pairKey(routeID, backendURL)

	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[key]; ok {
		return b
	}
	b = NewBreaker(r.failureThreshold, r.openDuration)
	r.breakers[key] = b
	return b
}

// Peek returns the breaker for a pair without creating one.
func (r *Registry) Peek(routeID, backendURL string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[pairKey(routeID, backendURL)]
}

// Prune discards breakers whose route is gone or whose backend no longer
// belongs to the route's pool. activeBackends maps route ID to the set of
// backend URLs currently configured.
func (r *Registry) Prune(activeBackends map[string]map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.breakers {
		routeID, backendURL, _ := strings.Cut(key, "\x00")
		pool, ok := activeBackends[routeID]
		if !ok || !pool[backendURL] {
			delete(r.breakers, key)
		}
	}
}

// Snapshots returns point-in-time views of every breaker, keyed by
// "routeID backendURL".
func (r *Registry) Snapshots() map[string]BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]BreakerSnapshot, len(r.breakers))
	for key, b := range r.breakers {
		routeID, backendURL, _ := strings.Cut(key, "\x00")
		result[routeID+" "+backendURL] = b.Snapshot()
	}
	return result
}

// Len returns the number of live breakers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}
