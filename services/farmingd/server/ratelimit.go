package server

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit is a token bucket refilled at RequestsPerMinute.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// RateLimiter keeps one limiter per caller. Authenticated requests are keyed
// by account, everything else by client address. Limiters not used for the
// idle period are swept on a later request.
type RateLimiter struct {
	limit     RateLimit
	logger    *slog.Logger
	idle      time.Duration
	now       func() time.Time
	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(limit RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		limit:    limit,
		logger:   logger,
		idle:     5 * time.Minute,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r == nil || r.limit.RequestsPerMinute <= 0 {
			next.ServeHTTP(w, req)
			return
		}
		id := callerKey(req)
		if !r.obtain(id).Allow() {
			r.logger.Debug("rate limit exceeded", slog.String("caller", id), slog.String("path", req.URL.Path))
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) obtain(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.sweepLocked(now)
	if v, ok := r.visitors[id]; ok {
		v.lastSeen = now
		return v.limiter
	}
	perSecond := r.limit.RequestsPerMinute / 60.0
	burst := r.limit.Burst
	if burst <= 0 {
		burst = 1
	}
	v := &visitor{limiter: rate.NewLimiter(rate.Limit(perSecond), burst), lastSeen: now}
	r.visitors[id] = v
	return v.limiter
}

// sweepLocked drops visitors idle for longer than r.idle, at most once per
// idle period.
func (r *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.idle {
		return
	}
	r.lastSweep = now
	for id, v := range r.visitors {
		if now.Sub(v.lastSeen) > r.idle {
			delete(r.visitors, id)
		}
	}
}

func callerKey(r *http.Request) string {
	if account, ok := AccountFromContext(r.Context()); ok {
		return "account:" + account
	}
	if isNotifier(r.Context()) {
		return "notifier"
	}
	return "ip:" + clientIP(r)
}

// clientIP relies on chi's RealIP middleware having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
