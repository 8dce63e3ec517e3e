package auth

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hookline/hookline/internal/metrics"
)

// RateLimiter implements per-client, per-route token bucket rate limiting.
type RateLimiter struct {
	perMinute int
	metrics   *metrics.Metrics

	mu      sync.Mutex
	buckets map[string]*tokenBucket // "<clientIP>|<method> <route>" -> bucket
}

// tokenBucket implements the token bucket algorithm.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a rate limiter allowing perMinute requests per client
// IP per route. Zero disables limiting. Metrics may be nil.
func NewRateLimiter(perMinute int, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		perMinute: perMinute,
		metrics:   m,
		buckets:   make(map[string]*tokenBucket),
	}
}

func newTokenBucket(maxTokens, refillRate float64) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a request is allowed and consumes a token if so.
func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Middleware returns HTTP middleware for rate limiting. Rejected requests get
// 429 with a Retry-After header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.perMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		route := r.Method + " " + r.URL.Path
		bucket := rl.bucket(GetClientIP(r) + "|" + route)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.perMinute))
		if !bucket.allow() {
			if rl.metrics != nil {
				rl.metrics.RateLimitHits.WithLabelValues(route).Inc()
			}
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) bucket(key string) *tokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = newTokenBucket(float64(rl.perMinute), float64(rl.perMinute)/60.0)
		rl.buckets[key] = bucket
	}
	return bucket
}

// CleanupStaleBuckets removes buckets that have not been used recently.
func (rl *RateLimiter) CleanupStaleBuckets(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, bucket := range rl.buckets {
		bucket.mu.Lock()
		if now.Sub(bucket.lastRefill) > maxAge {
			delete(rl.buckets, key)
		}
		bucket.mu.Unlock()
	}
}
