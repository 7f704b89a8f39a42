// Package web holds HTTP middleware shared by the server's endpoints.
package web

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Per-IP defaults: a client may open a handful of websocket connections in
// a burst, then one every few seconds. Idle entries are swept lazily so no
// background goroutine is needed.
const (
	defaultRate   = rate.Limit(1.0 / 3.0)
	defaultBurst  = 5
	maxIdle       = time.Hour
	sweepInterval = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnLimiter rate-limits connection attempts per client IP.
type ConnLimiter struct {
	mu        sync.Mutex
	entries   map[string]*limiterEntry
	lastSweep time.Time
	rate      rate.Limit
	burst     int
}

// NewConnLimiter creates a limiter with the default per-IP policy.
func NewConnLimiter() *ConnLimiter {
	return &ConnLimiter{
		entries:   make(map[string]*limiterEntry),
		lastSweep: time.Now(),
		rate:      defaultRate,
		burst:     defaultBurst,
	}
}

// Allow reports whether a connection attempt from ip is within its budget.
func (l *ConnLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > sweepInterval {
		l.sweepLocked(now)
	}

	entry, ok := l.entries[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.entries[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// sweepLocked drops entries idle longer than maxIdle. Caller holds l.mu.
func (l *ConnLimiter) sweepLocked(now time.Time) {
	l.lastSweep = now
	for ip, entry := range l.entries {
		if now.Sub(entry.lastSeen) > maxIdle {
			delete(l.entries, ip)
		}
	}
}

// Middleware rejects over-limit requests with 429 before they reach next.
func (l *ConnLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !l.Allow(ip) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
