// Package middleware holds HTTP middleware shared by the gateway surfaces.
package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
)

// SecurityHeaders adds OWASP-recommended security headers to all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cache-Control", "no-store")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// defaultIdleTTL is how long a client's limiter survives without requests.
const defaultIdleTTL = 3 * time.Minute

// Limiter is a per-client-IP token bucket rate limiter.
type Limiter struct {
	rps            rate.Limit
	burst          int
	trustedProxies []string

	mu      sync.Mutex
	clients *gocache.Cache
}

// NewLimiter builds a limiter from the gateway config. It returns nil when
// RequestsPerMin is not positive.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	if cfg.RequestsPerMin <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, cfg.RequestsPerMin/10)
	}
	return &Limiter{
		rps:            rate.Limit(float64(cfg.RequestsPerMin) / 60.0),
		burst:          burst,
		trustedProxies: cfg.TrustedProxies,
		clients:        gocache.New(defaultIdleTTL, time.Minute),
	}
}

// Allow reports whether one more request from ip is allowed now.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	var lim *rate.Limiter
	if v, ok := l.clients.Get(ip); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(l.rps, l.burst)
	}
	// Re-setting refreshes the idle expiry.
	l.clients.SetDefault(ip, lim)
	return lim.Allow()
}

// Clients returns the number of tracked client IPs.
func (l *Limiter) Clients() int { return l.clients.ItemCount() }

// Middleware rejects requests over the limit with 429 and a JSON error body.
// A nil Limiter passes every request through.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(ClientIP(r, l.trustedProxies)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{
				"code":    string(domain.CodeRateLimit),
				"message": domain.ErrRateLimit.Error(),
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit is shorthand for NewLimiter(cfg).Middleware.
func RateLimit(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	return NewLimiter(cfg).Middleware
}

// ClientIP extracts the client IP of r. Forwarding headers are honoured only
// when the TCP peer is one of trustedProxies.
func ClientIP(r *http.Request, trustedProxies []string) string {
	directIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(directIP); err == nil {
		directIP = host
	}
	if !slices.Contains(trustedProxies, directIP) {
		return directIP
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return directIP
}
