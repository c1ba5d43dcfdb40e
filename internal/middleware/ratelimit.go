package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"taskboard/internal/config"
	appmetrics "taskboard/internal/metrics"
)

// tokenBucket refills at ratePerSec up to burst tokens.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: time.Now(),
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// keyedLimiter holds one bucket per client key for a single limit.
type keyedLimiter struct {
	name    string
	prefix  string
	rpm     int
	burst   int
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func newKeyedLimiter(name, prefix string, rpm, burst int) *keyedLimiter {
	return &keyedLimiter{name: name, prefix: prefix, rpm: rpm, burst: burst, buckets: make(map[string]*tokenBucket)}
}

func (l *keyedLimiter) allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(l.rpm, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.allow()
}

// RateLimitMiddlewareFromConfig applies per-path limits first (first matching
// prefix wins) and falls back to the global limit. Clients are keyed by
// KeyHeader when set, otherwise by client IP.
func RateLimitMiddlewareFromConfig(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	var paths []*keyedLimiter
	for _, p := range rl.Paths {
		if p.Enabled && p.RequestsPerMinute > 0 && p.Prefix != "" {
			paths = append(paths, newKeyedLimiter(p.Prefix, p.Prefix, p.RequestsPerMinute, p.Burst))
		}
	}
	var global *keyedLimiter
	if rl.RequestsPerMinute > 0 {
		global = newKeyedLimiter("global", "", rl.RequestsPerMinute, rl.Burst)
	}

	return func(c *gin.Context) {
		key := clientKey(c, rl.KeyHeader)
		if rl.KeyHeader != "" && contains(rl.WhitelistKeys, key) {
			c.Next()
			return
		}
		if contains(rl.WhitelistIPs, c.ClientIP()) {
			c.Next()
			return
		}

		limiter := global
		path := c.Request.URL.Path
		for _, pl := range paths {
			if strings.HasPrefix(path, pl.prefix) {
				limiter = pl
				break
			}
		}
		if limiter != nil && !limiter.allow(key) {
			appmetrics.IncRateLimitDrop(limiter.name)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func clientKey(c *gin.Context, header string) string {
	if header != "" {
		if v := c.GetHeader(header); v != "" {
			if strings.EqualFold(header, "X-Forwarded-For") {
				return strings.TrimSpace(strings.Split(v, ",")[0])
			}
			return v
		}
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

func contains(hay []string, needle string) bool {
	for _, s := range hay {
		if s == needle {
			return true
		}
	}
	return false
}
