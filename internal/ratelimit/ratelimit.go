package ratelimit

import (
	"sync"
	"time"
)

// bucket tracks token state for a single key in one window.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// entry holds the per-key buckets for both enforcement windows.
type entry struct {
	minute bucket
	day    bucket
}

// Limiter enforces two request quotas per key: one over a minute window and
// one over a day window. A request is admitted only when both windows have a
// token available, and consumes one token from each. Keys are arbitrary
// strings (account IDs, or "guest" for unauthenticated callers).
type Limiter struct {
	mu        sync.Mutex
	entries   map[string]*entry
	perMinute int
	perDay    int
	now       func() time.Time // injectable clock for testing
}

// New creates a Limiter allowing perMinute requests per minute and perDay
// requests per day for each key. A non-positive limit disables that window.
func New(perMinute, perDay int) *Limiter {
	return &Limiter{
		entries:   make(map[string]*entry),
		perMinute: perMinute,
		perDay:    perDay,
		now:       time.Now,
	}
}

// Allow reports whether a request for key is within both quotas, consuming
// one token from each window when it is. Denials consume nothing.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		now := l.now()
		e = &entry{
			minute: bucket{tokens: float64(l.perMinute), lastRefill: now},
			day:    bucket{tokens: float64(l.perDay), lastRefill: now},
		}
		l.entries[key] = e
	}

	l.refill(&e.minute, l.perMinute, time.Minute)
	l.refill(&e.day, l.perDay, 24*time.Hour)

	if l.perMinute > 0 && e.minute.tokens < 1 {
		return false
	}
	if l.perDay > 0 && e.day.tokens < 1 {
		return false
	}

	if l.perMinute > 0 {
		e.minute.tokens--
	}
	if l.perDay > 0 {
		e.day.tokens--
	}
	return true
}

// Remaining returns the number of requests left in the minute and day windows
// for key, without consuming anything. Unknown keys report full quotas.
func (l *Limiter) Remaining(key string) (minute, day int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return l.perMinute, l.perDay
	}

	l.refill(&e.minute, l.perMinute, time.Minute)
	l.refill(&e.day, l.perDay, 24*time.Hour)

	minute = int(e.minute.tokens)
	day = int(e.day.tokens)
	if minute < 0 {
		minute = 0
	}
	if day < 0 {
		day = 0
	}
	return minute, day
}

// refill adds tokens to b based on elapsed time, capped at limit. Must be
// called with l.mu held.
func (l *Limiter) refill(b *bucket, limit int, window time.Duration) {
	if limit <= 0 {
		return
	}
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	rate := float64(limit) / window.Seconds()
	b.tokens += elapsed * rate
	if b.tokens > float64(limit) {
		b.tokens = float64(limit)
	}
	b.lastRefill = now
}
