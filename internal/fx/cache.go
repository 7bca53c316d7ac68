package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultCacheTTL = 10 * time.Minute

var ErrCacheMiss = errors.New("fx cache miss")

// Cache stores encoded rates. Get returns ErrCacheMiss for absent keys.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type RedisCache struct {
	client redis.UniversalClient
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return b, err
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// CachedProvider is a read-through cache in front of another RateProvider. Cache
// failures are logged and bypassed.
type CachedProvider struct {
	next   RateProvider
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedProvider(next RateProvider, cache Cache, ttl time.Duration, logger *zap.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedProvider{next: next, cache: cache, ttl: ttl, logger: logger.Named("fx")}
}

func cacheKey(base, target string) string {
	return fmt.Sprintf("rate:%s:%s", base, target)
}

func (p *CachedProvider) GetRate(ctx context.Context, base, target string) (*Rate, error) {
	key := cacheKey(base, target)

	raw, err := p.cache.Get(ctx, key)
	switch {
	case err == nil:
		var r Rate
		if err := json.Unmarshal(raw, &r); err == nil {
			return &r, nil
		}
		p.logger.Warn("discarding undecodable cached rate", zap.String("key", key))
	case !errors.Is(err, ErrCacheMiss):
		p.logger.Warn("rate cache read failed", zap.String("key", key), zap.Error(err))
	}

	r, err := p.next.GetRate(ctx, base, target)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(r); err == nil {
		if err := p.cache.Set(ctx, key, encoded, p.ttl); err != nil {
			p.logger.Warn("rate cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return r, nil
}
