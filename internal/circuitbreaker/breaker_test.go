package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("request %d should be allowed while closed", i)
		}
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}

	b.Allow()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("breaker should be open after 3 consecutive failures, got %v", b.State())
	}

	if b.Allow() {
		t.Error("open breaker should reject requests")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Errorf("non-consecutive failures must not trip the breaker, got %v", b.State())
	}
}

func TestOpenToHalfOpenIsLazy(t *testing.T) {
	b := NewBreaker(1, 20*time.Millisecond)

	b.Allow()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	// Still open before the duration elapses
	if b.Allow() {
		t.Fatal("breaker should reject before the open duration elapses")
	}

	time.Sleep(30 * time.Millisecond)

	// No timer fired; the state is still Open until a request arrives
	if b.Rejecting() {
		t.Error("expired open breaker should not be rejecting")
	}
	if !b.Allow() {
		t.Fatal("first request after expiry should be admitted as the probe")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}
}

func TestHalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)
	b.Allow()
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("probe should be admitted")
	}
	for i := 0; i < 5; i++ {
		if b.Allow() {
			t.Fatal("concurrent requests during the probe must be rejected")
		}
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)
	b.Allow()
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	b.Allow() // probe
	b.RecordSuccess()

	if b.State() != StateClosed {
		t.Fatalf("one probe success should close the breaker, got %v", b.State())
	}
	if !b.Allow() {
		t.Error("closed breaker should admit requests")
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := NewBreaker(1, 30*time.Millisecond)
	b.Allow()
	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)

	b.Allow() // probe
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("probe failure should reopen the breaker, got %v", b.State())
	}
	if b.Allow() {
		t.Error("reopened breaker should reject; the timer was reset")
	}
}

func TestOpenExpiry(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	before := time.Now()
	b.Allow()
	b.RecordFailure()

	expiry, rejecting := b.OpenExpiry()
	if !rejecting {
		t.Fatal("open breaker should report rejecting")
	}
	if expiry.Before(before.Add(time.Minute)) || expiry.After(time.Now().Add(time.Minute)) {
		t.Errorf("expiry %v not within expected window", expiry)
	}

	closed := NewBreaker(1, time.Minute)
	if _, rejecting := closed.OpenExpiry(); rejecting {
		t.Error("closed breaker should not report rejecting")
	}
}

func TestRegistryLazyCreateAndPrune(t *testing.T) {
	r := NewRegistry(0, 0)

	if r.Peek("route-a", "http://x:1") != nil {
		t.Fatal("Peek must not create breakers")
	}

	b := r.Get("route-a", "http://x:1")
	if b == nil {
		t.Fatal("Get should create lazily")
	}
	if got := r.Get("route-a", "http://x:1"); got != b {
		t.Error("Get should return the same breaker for the same pair")
	}
	r.Get("route-b", "http://y:1")

	r.Prune(map[string]map[string]bool{
		"route-a": {"http://x:1": true},
	})

	if r.Peek("route-a", "http://x:1") == nil {
		t.Error("active pair should survive pruning")
	}
	if r.Peek("route-b", "http://y:1") != nil {
		t.Error("orphaned route should be pruned")
	}
	if r.Len() != 1 {
		t.Errorf("registry size = %d, want 1", r.Len())
	}
}

func TestRegistryPrunesRemovedBackend(t *testing.T) {
	r := NewRegistry(0, 0)
	r.Get("route-a", "http://x:1")
	r.Get("route-a", "http://y:1")

	r.Prune(map[string]map[string]bool{
		"route-a": {"http://x:1": true},
	})

	if r.Peek("route-a", "http://y:1") != nil {
		t.Error("breaker for a removed backend should be pruned")
	}
}

func TestDefaults(t *testing.T) {
	b := NewBreaker(0, 0)
	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("breaker opened before default threshold")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("breaker should open at the default threshold of %d", DefaultFailureThreshold)
	}
}
