package guard

import (
	"testing"
	"time"
)

func TestLimiterEnforcesWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewLimiter(3, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.Allow("203.0.113.7") {
			t.Fatalf("request %d rejected inside the limit", i+1)
		}
	}
	if l.Allow("203.0.113.7") {
		t.Fatal("request beyond the limit must be rejected")
	}

	// Another identifier is counted separately.
	if !l.Allow("203.0.113.8") {
		t.Fatal("independent identifier rejected")
	}

	// After the window slides past the first hits a new request fits.
	now = now.Add(61 * time.Second)
	if !l.Allow("203.0.113.7") {
		t.Fatal("request after window elapsed must be allowed")
	}
}

func TestLimiterSlides(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	if !l.Allow("id") {
		t.Fatal("first request rejected")
	}
	now = now.Add(40 * time.Second)
	if !l.Allow("id") {
		t.Fatal("second request rejected")
	}
	now = now.Add(10 * time.Second)
	if l.Allow("id") {
		t.Fatal("third request inside the window must be rejected")
	}
	// The first hit leaves the window; one slot frees up.
	now = now.Add(15 * time.Second)
	if !l.Allow("id") {
		t.Fatal("request after oldest hit expired must be allowed")
	}
}

func TestLimiterReset(t *testing.T) {
	l := NewLimiter(1, time.Minute)
	if !l.Allow("id") {
		t.Fatal("first request rejected")
	}
	if l.Allow("id") {
		t.Fatal("second request must be rejected")
	}
	l.Reset("id")
	if !l.Allow("id") {
		t.Fatal("request after reset rejected")
	}
}

func TestLimiterSweep(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewLimiter(5, time.Minute)
	l.now = func() time.Time { return now }

	l.Allow("stale")
	l.Allow("fresh")
	now = now.Add(2 * time.Minute)
	l.Allow("fresh")

	l.Sweep()

	l.mu.Lock()
	_, staleKept := l.hits["stale"]
	_, freshKept := l.hits["fresh"]
	l.mu.Unlock()
	if staleKept {
		t.Fatal("sweep must drop idle identifiers")
	}
	if !freshKept {
		t.Fatal("sweep must keep active identifiers")
	}
}
