package guard

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rejectedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "guard_requests_rejected_total",
	Help: "Requests rejected by the rate limiter",
})

// Limiter is a sliding-window request counter per client identifier. State
// is process-local; a restart resetting the windows is acceptable.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewLimiter(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records a request for the identifier and reports whether it fits
// inside the window. The check runs before any signature or store work so
// abuse stays cheap.
func (l *Limiter) Allow(id string) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := prune(l.hits[id], cutoff)
	if len(recent) >= l.limit {
		l.hits[id] = recent
		rejectedCounter.Inc()
		return false
	}
	l.hits[id] = append(recent, now)
	return true
}

// Reset drops all recorded state for an identifier.
func (l *Limiter) Reset(id string) {
	l.mu.Lock()
	delete(l.hits, id)
	l.mu.Unlock()
}

// Sweep removes identifiers with no requests inside the window. Run it
// periodically so idle clients do not accumulate.
func (l *Limiter) Sweep() {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	for id, times := range l.hits {
		if recent := prune(times, cutoff); len(recent) == 0 {
			delete(l.hits, id)
		} else {
			l.hits[id] = recent
		}
	}
	l.mu.Unlock()
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}
