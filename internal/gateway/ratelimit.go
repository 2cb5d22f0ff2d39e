package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/basket/pickupbot/internal/config"
)

// tokenBucket is one caller's allowance. Callers must hold the limiter's
// lock; buckets are never shared outside it.
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// RateLimitMiddleware enforces per-caller token buckets on the admin API.
// Callers are keyed by a hash of their bearer token, or by remote host when
// unauthenticated. /healthz is exempt so monitors never get throttled.
type RateLimitMiddleware struct {
	mu         sync.Mutex
	buckets    map[string]*tokenBucket
	enabled    bool
	burst      float64
	refillRate float64 // tokens per second
	now        func() time.Time
	logger     *slog.Logger
}

// NewRateLimitMiddleware creates a rate limit middleware from the gateway
// config. A zero rate disables limiting; a zero burst defaults to 10.
func NewRateLimitMiddleware(cfg config.GatewayConfig) *RateLimitMiddleware {
	burst := cfg.RateLimitBurst
	if burst == 0 {
		burst = 10
	}
	return &RateLimitMiddleware{
		buckets:    make(map[string]*tokenBucket),
		enabled:    cfg.RateLimitEnabled(),
		burst:      float64(burst),
		refillRate: float64(cfg.RateLimitPerMinute) / 60.0,
		now:        time.Now,
		logger:     slog.Default(),
	}
}

// take consumes one token for key. When the bucket is empty it returns
// false and how long until the next token.
func (rl *RateLimitMiddleware) take(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: rl.burst, lastRefill: now}
		rl.buckets[key] = b
	}
	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.lastRefill).Seconds()*rl.refillRate)
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / rl.refillRate * float64(time.Second))
	return false, wait
}

// StartEviction removes buckets idle for maxAge every interval until ctx is
// done.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets that haven't been used within maxAge.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	evicted := 0
	for key, b := range rl.buckets {
		if !b.lastRefill.After(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

// BucketCount returns the number of tracked callers.
func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Wrap wraps an http.Handler with rate limiting.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		ok, wait := rl.take(callerKey(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerKey never keeps the raw token in memory longer than the request.
func callerKey(r *http.Request) string {
	if tok := ExtractToken(r); tok != "" {
		sum := sha256.Sum256([]byte(tok))
		return "tok:" + hex.EncodeToString(sum[:8])
	}
	return "ip:" + clientHost(r.RemoteAddr)
}

func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
