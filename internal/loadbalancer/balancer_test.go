package loadbalancer

import (
	"testing"
	"time"

	"github.com/kairos-proxy/kairos/internal/circuitbreaker"
	"github.com/kairos-proxy/kairos/internal/config"
)

func pool(hosts ...string) []config.Backend {
	backends := make([]config.Backend, len(hosts))
	for i, h := range hosts {
		backends[i] = config.Backend{Host: h, Port: 8080}
	}
	return backends
}

func TestRoundRobinCycles(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(0, 0)
	b := New("r", config.StrategyRoundRobin, pool("http://a", "http://b", "http://c"), breakers)

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		seen[b.Select("1.2.3.4").URL]++
	}
	for _, backend := range b.Backends() {
		if seen[backend.URL] != 3 {
			t.Errorf("backend %s selected %d times, want 3", backend.URL, seen[backend.URL])
		}
	}
}

func TestLeastConnections(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(0, 0)
	b := New("r", config.StrategyLeastConnections, pool("http://a", "http://b"), breakers)

	backends := b.Backends()
	backends[0].IncrActive()
	backends[0].IncrActive()
	backends[1].IncrActive()

	if got := b.Select("ip"); got != backends[1] {
		t.Errorf("selected %s, want the backend with fewer active requests", got.URL)
	}

	// Tie breaks in pool order
	backends[0].DecrActive()
	if got := b.Select("ip"); got != backends[0] {
		t.Errorf("tie should break in pool order, got %s", got.URL)
	}
}

func TestIPHashIsStable(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(0, 0)
	b := New("r", config.StrategyIPHash, pool("http://a", "http://b", "http://c"), breakers)

	first := b.Select("203.0.113.9")
	for i := 0; i < 20; i++ {
		if got := b.Select("203.0.113.9"); got != first {
			t.Fatalf("ip hash selection changed between requests: %s vs %s", got.URL, first.URL)
		}
	}
}

func TestWeightedDistribution(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(0, 0)
	backends := []config.Backend{
		{Host: "http://heavy", Port: 8080, Weight: 9},
		{Host: "http://light", Port: 8080, Weight: 1},
	}
	b := New("r", config.StrategyWeighted, backends, breakers)

	counts := make(map[string]int)
	for i := 0; i < 2000; i++ {
		counts[b.Select("ip").URL]++
	}

	heavy := counts["http://heavy:8080"]
	if heavy < 1600 {
		t.Errorf("weight-9 backend received %d of 2000 selections, expected roughly 1800", heavy)
	}
	if counts["http://light:8080"] == 0 {
		t.Error("weight-1 backend should still receive traffic")
	}
}

func TestRandomStaysInPool(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(0, 0)
	b := New("r", config.StrategyRandom, pool("http://a", "http://b"), breakers)

	valid := map[string]bool{"http://a:8080": true, "http://b:8080": true}
	for i := 0; i < 50; i++ {
		if got := b.Select("ip"); !valid[got.URL] {
			t.Fatalf("selected backend %s outside the pool", got.URL)
		}
	}
}

func TestOpenBackendExcluded(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(1, time.Minute)
	b := New("r", config.StrategyRoundRobin, pool("http://a", "http://b"), breakers)

	// Trip a's breaker
	br := breakers.Get("r", "http://a:8080")
	br.Allow()
	br.RecordFailure()

	for i := 0; i < 10; i++ {
		if got := b.Select("ip"); got.URL != "http://b:8080" {
			t.Fatalf("open backend selected: %s", got.URL)
		}
	}
}

func TestAllOpenSelectsSoonestExpiry(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(1, time.Minute)
	b := New("r", config.StrategyRoundRobin, pool("http://a", "http://b"), breakers)

	// Open a first, then b; a's open period expires sooner.
	ba := breakers.Get("r", "http://a:8080")
	ba.Allow()
	ba.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	bb := breakers.Get("r", "http://b:8080")
	bb.Allow()
	bb.RecordFailure()

	if got := b.Select("ip"); got.URL != "http://a:8080" {
		t.Errorf("all-open selection = %s, want the earliest expiry (a)", got.URL)
	}
}

func TestDefaultWeight(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(0, 0)
	b := New("r", config.StrategyWeighted, pool("http://a"), breakers)
	if b.Backends()[0].Weight != 1 {
		t.Errorf("weight = %d, want default 1", b.Backends()[0].Weight)
	}
}
