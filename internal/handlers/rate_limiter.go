package handlers

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lvdistribuidora/api/internal/platform/httpx"
)

// clientLimiters hands out one token bucket per client key. Buckets idle
// past the stale cutoff are evicted on the next lookup so the map does
// not grow with every address ever seen.
type clientLimiters struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*clientBucket
	sweepAt time.Time
	clock   func() time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const bucketStaleAfter = 3 * time.Minute

func newClientLimiters(requests int, window time.Duration, clock func() time.Time) *clientLimiters {
	if requests <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &clientLimiters{
		limit:   rate.Every(window / time.Duration(requests)),
		burst:   requests,
		buckets: make(map[string]*clientBucket),
		sweepAt: clock().Add(bucketStaleAfter),
		clock:   clock,
	}
}

func (c *clientLimiters) allow(key string) bool {
	if c == nil {
		return true
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.After(c.sweepAt) {
		c.evictStale(now)
		c.sweepAt = now.Add(bucketStaleAfter)
	}

	bucket, ok := c.buckets[key]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.buckets[key] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}

func (c *clientLimiters) evictStale(now time.Time) {
	cutoff := now.Add(-bucketStaleAfter)
	for key, bucket := range c.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(c.buckets, key)
		}
	}
}

// RateLimitByClientIP caps requests per client address, refilling at
// limit-per-window with a full-window burst. A non-positive limit
// disables the middleware.
func RateLimitByClientIP(limit int, window time.Duration) func(http.Handler) http.Handler {
	limiters := newClientLimiters(limit, window, nil)
	return func(next http.Handler) http.Handler {
		if limiters == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.allow(clientAddress(r)) {
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddress(r *http.Request) string {
	if r == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
