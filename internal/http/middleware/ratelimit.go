package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/Elias-FSILVA/VirAll/internal/identity"
)

var rateLimited = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "feed_mutations_rate_limited_total",
		Help: "Feed mutations rejected by the per-caller rate limiter.",
	},
	[]string{"caller"},
)

func init() {
	prometheus.MustRegister(rateLimited)
}

// keyFunc maps a request to its bucket.
type keyFunc func(*gin.Context) string

// KeyByUserOrIP buckets signed-in callers by user id and anonymous callers
// by client IP. The two namespaces are prefixed so they cannot collide.
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if u, ok := identity.FromContext(c.Request.Context()); ok {
			return "user:" + u.ID
		}
		return "ip:" + c.ClientIP()
	}
}

// callerKind is the metrics label for a bucket key.
func callerKind(key string) string {
	if strings.HasPrefix(key, "user:") {
		return "user"
	}
	return "ip"
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-caller token bucket applied to feed mutations.
// Reads and the event stream are never limited. Buckets idle for longer
// than idleTTL are swept at most once per sweepEvery.
type RateLimiter struct {
	limit rate.Limit
	burst int
	keyFn keyFunc
	now   func() time.Time

	mu         sync.Mutex
	buckets    map[string]*bucket
	idleTTL    time.Duration
	sweepEvery time.Duration
	lastSweep  time.Time
}

// NewRateLimiter returns a limiter refilling rps tokens per second up to
// burst (at least 1).
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:      rate.Limit(rps),
		burst:      burst,
		keyFn:      keyFn,
		now:        time.Now,
		buckets:    make(map[string]*bucket),
		idleTTL:    10 * time.Minute,
		sweepEvery: time.Minute,
	}
}

// limiter returns the bucket for key, creating it on first use.
func (rl *RateLimiter) limiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= rl.sweepEvery {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) >= rl.idleTTL {
				delete(rl.buckets, k)
			}
		}
		rl.lastSweep = now
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim
}

// IsReadOnly reports whether the request cannot mutate the feed.
func IsReadOnly(c *gin.Context) bool {
	switch c.Request.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// retryAfter is the whole number of seconds until a token is available,
// at least 1. A zero rate never refills and reports 60.
func retryAfter(lim *rate.Limiter, now time.Time) string {
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return "60"
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	if d > time.Hour {
		return "60"
	}
	return strconv.Itoa(int(math.Max(1, math.Ceil(d.Seconds()))))
}

// Handler rejects mutations over budget with 429, a Retry-After header and
// the standard error body.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsReadOnly(c) {
			c.Next()
			return
		}

		now := rl.now()
		key := rl.keyFn(c)
		lim := rl.limiter(key, now)
		if lim.AllowN(now, 1) {
			c.Next()
			return
		}

		rateLimited.WithLabelValues(callerKind(key)).Inc()
		c.Header("Retry-After", retryAfter(lim, now))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get("X-Request-ID"),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
