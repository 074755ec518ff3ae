package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SecurityHeaders adds the response headers every gateway endpoint carries.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// ClientLimiter keeps one token bucket per client key.
// Buckets idle for longer than staleAfter are dropped by Sweep.
type ClientLimiter struct {
	perSecond  rate.Limit
	burst      int
	staleAfter time.Duration
	now        func() time.Time

	mu      sync.Mutex
	clients map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter creates a limiter admitting requestsPerMin per client with the given burst.
func NewClientLimiter(requestsPerMin, burst int) *ClientLimiter {
	return &ClientLimiter{
		perSecond:  rate.Limit(requestsPerMin) / 60.0,
		burst:      burst,
		staleAfter: 3 * time.Minute,
		now:        time.Now,
		clients:    make(map[string]*bucket),
	}
}

// Allow reports whether one more request from key fits in its bucket.
func (l *ClientLimiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.clients[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.clients[key] = b
	}
	b.lastSeen = l.now()
	limiter := b.limiter
	l.mu.Unlock()

	return limiter.AllowN(l.now(), 1)
}

// Sweep drops idle buckets and returns how many were removed.
func (l *ClientLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.staleAfter)
	removed := 0
	for key, b := range l.clients {
		if b.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *ClientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// RateLimit returns HTTP middleware that rejects clients over their budget with 429.
// Proxy headers are honoured only when the peer is in trustedProxies. The sweep
// goroutine stops when ctx is done.
func RateLimit(ctx context.Context, limiter *ClientLimiter, trustedProxies []string) func(http.Handler) http.Handler {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				limiter.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(ClientIP(r, trustedProxies)) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the caller's address. X-Forwarded-For and X-Real-IP are
// trusted only when the direct peer is a listed proxy.
func ClientIP(r *http.Request, trustedProxies []string) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}

	trusted := false
	for _, p := range trustedProxies {
		if p == peer {
			trusted = true
			break
		}
	}
	if !trusted {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return peer
}
