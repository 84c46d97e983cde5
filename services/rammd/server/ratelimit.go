package server

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"nxmramm/observability"
)

// RateLimitConfig bounds requests per client. X-Real-IP and X-Forwarded-For
// are only read when the peer address falls inside TrustedProxies.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	TrustedProxies    []netip.Prefix
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client. Authenticated callers are
// keyed by account, everyone else by remote address or, behind a trusted
// proxy, the forwarded client address.
type RateLimiter struct {
	cfg       RateLimitConfig
	idleAfter time.Duration
	clockNow  func() time.Time

	mu        sync.Mutex
	visitors  map[string]*rateEntry
	lastSweep time.Time
}

// NewRateLimiter constructs a limiter. A non-positive rate disables limiting.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:       cfg,
		idleAfter: 5 * time.Minute,
		clockNow:  time.Now,
		visitors:  make(map[string]*rateEntry),
	}
}

// Middleware rejects requests beyond the configured rate with 429.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r == nil || r.cfg.RequestsPerSecond <= 0 {
			next.ServeHTTP(w, req)
			return
		}
		if !r.allow(r.clientID(req)) {
			route := req.URL.Path
			if rctx := chi.RouteContext(req.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			observability.Requests().RecordThrottle(route, "rate_limited")
			writeError(w, http.StatusTooManyRequests, "RateLimited", http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) allow(id string) bool {
	now := r.clockNow()
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastSweep) >= r.idleAfter {
		for key, entry := range r.visitors {
			if now.Sub(entry.lastSeen) >= r.idleAfter {
				delete(r.visitors, key)
			}
		}
		r.lastSweep = now
	}
	entry, ok := r.visitors[id]
	if !ok {
		burst := r.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Limit(r.cfg.RequestsPerSecond), burst)}
		r.visitors[id] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (r *RateLimiter) clientID(req *http.Request) string {
	if principal, ok := PrincipalFromContext(req.Context()); ok {
		return "account:" + strings.ToLower(principal.Address.Hex())
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if !r.trusted(host) {
		return host
	}
	if ip := strings.TrimSpace(req.Header.Get("X-Real-IP")); ip != "" {
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.String()
		}
	}
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	return host
}

func (r *RateLimiter) trusted(host string) bool {
	if len(r.cfg.TrustedProxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range r.cfg.TrustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
