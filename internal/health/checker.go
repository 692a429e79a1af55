package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kairos-proxy/kairos/internal/loadbalancer"
	"github.com/kairos-proxy/kairos/internal/logging"
)

// Checker probes backends that declare a health-check path and flips
// their health flag on the pool. Backends without a path are never
// probed and stay permanently eligible.
type Checker struct {
	interval time.Duration
	timeout  time.Duration
	client   *http.Client

	mu       sync.Mutex
	backends []*loadbalancer.Backend
	done     chan struct{}
	started  bool
}

// NewChecker creates a checker. Non-positive arguments select the
// defaults (10s interval, 5s probe timeout).
func NewChecker(interval, timeout time.Duration) *Checker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		interval: interval,
		timeout:  timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		done: make(chan struct{}),
	}
}

// Watch registers backends for probing. Only backends with a health
// check path are kept.
func (c *Checker) Watch(backends []*loadbalancer.Backend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range backends {
		if b.HealthCheckPath != "" {
			c.backends = append(c.backends, b)
		}
	}
}

// Start begins the probe loop. A checker with nothing to watch does not
// spawn a goroutine.
func (c *Checker) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || len(c.backends) == 0 {
		return
	}
	c.started = true
	go c.run()
}

func (c *Checker) run() {
	// Probe once up front so a dead backend is excluded before the first
	// full interval elapses.
	c.probeAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.probeAll()
		}
	}
}

func (c *Checker) probeAll() {
	c.mu.Lock()
	backends := make([]*loadbalancer.Backend, len(c.backends))
	copy(backends, c.backends)
	c.mu.Unlock()

	for _, b := range backends {
		c.probe(b)
	}
}

func (c *Checker) probe(b *loadbalancer.Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL+b.HealthCheckPath, nil)
	if err != nil {
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.mark(b, false)
		return
	}
	resp.Body.Close()

	c.mark(b, resp.StatusCode >= 200 && resp.StatusCode < 300)
}

func (c *Checker) mark(b *loadbalancer.Backend, healthy bool) {
	if healthy == b.Healthy() {
		return
	}
	if healthy {
		b.MarkHealthy()
		logging.Info("backend recovered", zap.String("backend", b.URL))
	} else {
		b.MarkUnhealthy()
		logging.Warn("backend failed health check", zap.String("backend", b.URL))
	}
}

// Stop terminates the probe loop. Safe to call on a checker that never
// started.
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	close(c.done)
}
