package app

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyedLimiter rate-limits per client identity. The clock is injected
// and idle entries are evicted after a TTL, keeping the store bounded.
type keyedLimiter struct {
	mu  sync.Mutex
	now func() time.Time

	perSecond rate.Limit
	burst     int
	ttl       time.Duration
	entries   map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(perSecond float64, burst int, ttl time.Duration, now func() time.Time) *keyedLimiter {
	if now == nil {
		now = time.Now
	}
	return &keyedLimiter{
		now:       now,
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		ttl:       ttl,
		entries:   make(map[string]*limiterEntry),
	}
}

func (kl *keyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := kl.now()
	kl.evictIdle(now)

	entry, ok := kl.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(kl.perSecond, kl.burst)}
		kl.entries[key] = entry
	}
	entry.lastSeen = now

	return entry.limiter.AllowN(now, 1)
}

func (kl *keyedLimiter) evictIdle(now time.Time) {
	for key, entry := range kl.entries {
		if now.Sub(entry.lastSeen) > kl.ttl {
			delete(kl.entries, key)
		}
	}
}

func (kl *keyedLimiter) size() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.entries)
}
