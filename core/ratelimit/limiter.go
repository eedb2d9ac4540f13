package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

type record struct {
	hits     []time.Time
	lockedAt time.Time
}

// Limiter counts hits per key and locks out keys that exceed limit hits
// within window. A locked key is rejected for one window.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	records map[string]*record
	now     func() time.Time
}

// New creates a limiter. A non-positive limit admits everything.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// Allow records a hit for key and returns an error if the key is locked
// out.
func (l *Limiter) Allow(key string) error {
	if l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	r := l.records[key]
	if r == nil {
		r = &record{}
		l.records[key] = r
	}

	if !r.lockedAt.IsZero() {
		if elapsed := now.Sub(r.lockedAt); elapsed < l.window {
			return fmt.Errorf("rate limited, try again in %s", (l.window - elapsed).Truncate(time.Second))
		}
		// Lockout expired.
		r.lockedAt = time.Time{}
		r.hits = r.hits[:0]
	}

	// Prune hits outside the window.
	cutoff := now.Add(-l.window)
	fresh := r.hits[:0]
	for _, t := range r.hits {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	r.hits = append(fresh, now)

	if len(r.hits) > l.limit {
		r.lockedAt = now
		return fmt.Errorf("rate limited: %d updates within %s", len(r.hits), l.window)
	}
	return nil
}

// Reset clears all state for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Prune drops keys with no hits inside the window and no active lockout.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	for key, r := range l.records {
		if !r.lockedAt.IsZero() && now.Sub(r.lockedAt) < l.window {
			continue
		}
		if n := len(r.hits); n == 0 || !r.hits[n-1].After(cutoff) {
			delete(l.records, key)
		}
	}
}
