package server

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig bounds overall request throughput and how many uploads a
// single caller may start per window.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	// UploadLimit is the number of video submissions allowed per caller in
	// UploadWindow. Zero disables the check.
	UploadLimit  int
	UploadWindow time.Duration

	TrustForwardedHeaders bool
	TrustedProxies        []string
}

type rateLimiter struct {
	global        *tokenBucket
	uploadLimit   int
	uploadWindow  time.Duration
	uploadMu      sync.Mutex
	uploadBuckets map[string]*callerLimiter
	store         counterStore
	now           func() time.Time
}

type callerLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

// counterStore shares upload counters between API replicas.
type counterStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig, store counterStore) *rateLimiter {
	rl := &rateLimiter{
		uploadLimit:   cfg.UploadLimit,
		uploadWindow:  cfg.UploadWindow,
		uploadBuckets: make(map[string]*callerLimiter),
		now:           time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.uploadLimit < 0 {
		rl.uploadLimit = 0
	}
	if rl.uploadWindow <= 0 {
		rl.uploadWindow = time.Minute
	}
	if rl.uploadLimit > 0 {
		rl.store = store
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowUpload charges one upload to key and reports how long to wait when
// the caller is over its limit.
func (r *rateLimiter) AllowUpload(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.uploadLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, "upload:"+key, r.uploadLimit, r.uploadWindow)
	}

	r.uploadMu.Lock()
	limiter, exists := r.uploadBuckets[key]
	if !exists {
		rate := float64(r.uploadLimit) / r.uploadWindow.Seconds()
		limiter = &callerLimiter{bucket: newTokenBucket(rate, r.uploadLimit)}
		r.uploadBuckets[key] = limiter
	}
	limiter.lastSeen = r.now()
	r.cleanupLocked()
	r.uploadMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	wait := time.Duration(float64(time.Second) * r.uploadWindow.Seconds() / float64(r.uploadLimit))
	if wait < time.Second {
		wait = time.Second
	}
	return false, wait, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.uploadBuckets) == 0 {
		return
	}
	cutoff := r.now().Add(-2 * r.uploadWindow)
	for key, limiter := range r.uploadBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.uploadBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
