package server

import (
	"context"
	"strconv"
	"time"

	"vodpipe/internal/cache"
)

// cacheStore counts requests per fixed window in a shared cache. The
// read-then-write is not atomic, so concurrent replicas may admit a request
// or two over the limit at a window boundary.
type cacheStore struct {
	cache cache.Cache
	now   func() time.Time
}

func newCacheStore(c cache.Cache) *cacheStore {
	return &cacheStore{cache: c, now: time.Now}
}

func (s *cacheStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	now := s.now()
	start := now.Truncate(window)
	retryAfter := start.Add(window).Sub(now)
	bucket := "ratelimit:" + key + ":" + strconv.FormatInt(start.Unix(), 10)

	raw, ok, err := s.cache.Get(ctx, bucket)
	if err != nil {
		return false, 0, err
	}
	count := 0
	if ok {
		count, _ = strconv.Atoi(raw)
	}
	if count >= limit {
		return false, retryAfter, nil
	}
	if err := s.cache.Set(ctx, bucket, strconv.Itoa(count+1), retryAfter+time.Second); err != nil {
		return false, 0, err
	}
	return true, 0, nil
}
