// Package ratelimit is a fixed-window request limiter keyed by client.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter allows at most Limit requests per client within any Window. Each
// client has its own lock so the check-then-append sequence is atomic per
// key without serializing unrelated clients.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*client
	sweeps  int
}

type client struct {
	mu     sync.Mutex
	stamps []time.Time
	// set once the client has been swept from the map
	dead bool
}

// sweepEvery is how many Allow calls pass between sweeps of idle clients.
const sweepEvery = 1024

// New returns a limiter. A non-positive limit disables limiting.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{limit: limit, window: window, now: time.Now, clients: make(map[string]*client)}
}

// Allow records a request for key and reports whether it is within the
// limit. Rejected requests are not recorded. The returned duration is how
// long until the oldest request in the window expires.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l.limit <= 0 {
		return true, 0
	}
	now := l.now()
	c := l.client(key, now)
	c.mu.Lock()
	for c.dead {
		c.mu.Unlock()
		c = l.client(key, now)
		c.mu.Lock()
	}
	defer c.mu.Unlock()

	c.stamps = prune(c.stamps, now.Add(-l.window))
	if len(c.stamps) >= l.limit {
		return false, c.stamps[0].Add(l.window).Sub(now)
	}
	c.stamps = append(c.stamps, now)
	return true, 0
}

func (l *Limiter) client(key string, now time.Time) *client {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweeps++
	if l.sweeps >= sweepEvery {
		l.sweeps = 0
		l.sweep(now)
	}
	c, ok := l.clients[key]
	if !ok {
		c = &client{}
		l.clients[key] = c
	}
	return c
}

// sweep drops clients with no request inside the window. Called with l.mu held.
func (l *Limiter) sweep(now time.Time) {
	cutoff := now.Add(-l.window)
	for k, c := range l.clients {
		if !c.mu.TryLock() {
			continue
		}
		c.stamps = prune(c.stamps, cutoff)
		if len(c.stamps) == 0 {
			c.dead = true
			delete(l.clients, k)
		}
		c.mu.Unlock()
	}
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}
