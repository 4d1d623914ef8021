package auth

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter decides whether an actor may proceed, matching spec.md §5's
// "external rate-limit counters ... in-process map or shared Redis-style
// counter" note: rate limiting lives outside the ledger core, but the
// interface lets both backends share one middleware.
type Limiter interface {
	Allow(ctx context.Context, actorID string) (bool, error)
}

// InProcessLimiter is a per-actor token bucket backed by
// golang.org/x/time/rate, the default backend for a single-instance
// deployment.
type InProcessLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// NewInProcessLimiter returns a limiter allowing rps requests/second per
// actor with the given burst, matching config.Config.RateLimitRPS/Burst.
func NewInProcessLimiter(rps float64, burst int) *InProcessLimiter {
	return &InProcessLimiter{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (l *InProcessLimiter) Allow(_ context.Context, actorID string) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets[actorID]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[actorID] = b
	}
	l.mu.Unlock()
	return b.Allow(), nil
}

// RateLimitMiddleware enforces per-actor rate limiting at the HTTP layer.
// The actor key is the authenticated Principal's tenant, falling back to
// the remote address when no Principal is attached yet (e.g. before the
// API key check runs). On rejection, onLimited is called instead of the
// wrapped handler so the caller can write a 429 with Retry-After.
func RateLimitMiddleware(limiter Limiter, onLimited http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.RemoteAddr
			if p, err := GetPrincipal(r.Context()); err == nil {
				actorID = p.GetTenantID()
			}

			allowed, err := limiter.Allow(r.Context(), actorID)
			if err != nil {
				// Fail open on limiter errors so a broken counter backend
				// never takes down the whole service.
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				onLimited(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
