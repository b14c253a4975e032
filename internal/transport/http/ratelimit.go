package http

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// DefaultLimiterIdleTTL is how long an unused per-caller limiter is kept.
const DefaultLimiterIdleTTL = 10 * time.Minute

// RateLimiter manages one token bucket per caller
type RateLimiter struct {
	limiters *ttlcache.Cache[string, *rate.Limiter]
	rps      rate.Limit
	burst    int

	mu      sync.Mutex
	running bool
	stopped bool
}

// NewRateLimiter creates a new rate limiter. Limiters not used for idle are
// evicted once Start is running.
func NewRateLimiter(rps float64, burst int, idle time.Duration) *RateLimiter {
	if idle <= 0 {
		idle = DefaultLimiterIdleTTL
	}
	return &RateLimiter{
		limiters: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](idle),
		),
		rps:   rate.Limit(rps),
		burst: burst,
	}
}

// GetLimiter returns the limiter for a caller, creating it on first use.
func (rl *RateLimiter) GetLimiter(id string) *rate.Limiter {
	if item := rl.limiters.Get(id); item != nil {
		return item.Value()
	}
	item, _ := rl.limiters.GetOrSet(id, rate.NewLimiter(rl.rps, rl.burst))
	return item.Value()
}

// Len returns the number of tracked callers.
func (rl *RateLimiter) Len() int {
	return rl.limiters.Len()
}

// Start runs the eviction loop until Stop is called. It returns at once if
// Stop was already called.
func (rl *RateLimiter) Start() {
	rl.mu.Lock()
	if rl.stopped || rl.running {
		rl.mu.Unlock()
		return
	}
	rl.running = true
	rl.mu.Unlock()
	rl.limiters.Start()
}

// Stop ends the eviction loop. It is a no-op when Start never ran.
func (rl *RateLimiter) Stop() {
	rl.mu.Lock()
	wasRunning := rl.running && !rl.stopped
	rl.stopped = true
	rl.mu.Unlock()
	if wasRunning {
		rl.limiters.Stop()
	}
}

// RateLimitMiddleware creates a middleware for rate limiting keyed on the
// authenticated caller. It must run after Authenticator.Middleware, which
// rejects requests without a caller id.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := rl.GetLimiter(GetCallerID(r.Context())).Reserve()
			if delay := res.Delay(); !res.OK() || delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(max(delay, time.Second).Seconds()))))
				respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
