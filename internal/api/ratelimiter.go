package api

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter is a coarse per-IP token bucket sitting in front of the
// admission pipeline. It sheds floods cheaply before any identity-aware
// accounting runs; the sliding-window limiter behind it stays authoritative.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	r       rate.Limit
	b       int
	idleTTL time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter allows `requests` per second with the given burst.
func NewIPRateLimiter(requests, burst int) *IPRateLimiter {
	if requests <= 0 {
		requests = 1000
	}
	if burst <= 0 {
		burst = requests
	}
	return &IPRateLimiter{
		visitors: make(map[string]*visitor),
		r:        rate.Limit(requests),
		b:        burst,
		idleTTL:  10 * time.Minute,
	}
}

// Allow reports whether a request from remoteAddr (host:port) may proceed.
func (rl *IPRateLimiter) Allow(remoteAddr string) bool {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.r, rl.b)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now

	// Opportunistic purge keeps the map bounded without a sweeper goroutine
	if len(rl.visitors) > 10000 {
		cutoff := now.Add(-rl.idleTTL)
		for key, vis := range rl.visitors {
			if vis.lastSeen.Before(cutoff) {
				delete(rl.visitors, key)
			}
		}
	}

	return v.limiter.Allow()
}
