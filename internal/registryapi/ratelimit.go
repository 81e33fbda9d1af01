package registryapi

import (
	"sync"
	"time"
)

// ipRateLimiter is a per-IP token bucket. Buckets refill continuously and the
// tracked-IP set is capped; the least recently seen bucket is evicted when the
// cap is reached.
type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOne()
		}
		l.states[ip] = limiterState{
			tokens:   l.burst - 1,
			lastAt:   now,
			lastSeen: now,
		}
		return true
	}

	elapsed := now.Sub(st.lastAt).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * l.refillPerSecond
		if st.tokens > l.burst {
			st.tokens = l.burst
		}
	}
	st.lastAt = now
	st.lastSeen = now

	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens -= 1
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	first := true
	for ip, st := range l.states {
		if first || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}
