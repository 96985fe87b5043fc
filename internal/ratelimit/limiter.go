package ratelimit

import (
	"sync"
	"time"
)

// Limiter implements fixed-window request counting keyed per connection.
// The key is the bearer credential when one exists, otherwise the
// transport-assigned connection id, so an unauthenticated flood is throttled
// per socket. Shared by the handshake check and the per-event check.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	buckets map[string]*bucket
}

// bucket tracks one connection key's current window.
type bucket struct {
	count       int
	windowStart time.Time
}

// NewLimiter creates a limiter allowing max requests per window.
func NewLimiter(window time.Duration, max int) *Limiter {
	return &Limiter{
		window:  window,
		max:     max,
		buckets: make(map[string]*bucket),
	}
}

// Allow counts one request against key's window and reports whether it is
// within the limit. The first request for a key opens its window; once the
// window elapses the count resets to 1 and the window restarts. Denial does
// not disconnect anything: the caller reports the error and the client may
// continue once the window rolls over.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	b, exists := l.buckets[key]
	if !exists {
		l.buckets[key] = &bucket{count: 1, windowStart: now}
		return true
	}

	if now.Sub(b.windowStart) >= l.window {
		b.count = 1
		b.windowStart = now
		return true
	}

	if b.count >= l.max {
		return false
	}

	b.count++
	return true
}

// Remove deletes the bucket for key. Called on disconnect to bound memory.
func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Cleanup drops buckets idle for several windows. Covers keys whose
// connections never cleanly disconnected.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, b := range l.buckets {
		if now.Sub(b.windowStart) > 5*l.window {
			delete(l.buckets, key)
		}
	}
}

// Size reports the number of live buckets, for stats endpoints and tests.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
