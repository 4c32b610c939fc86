package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CacheOptions configure the Redis response cache.
type CacheOptions struct {
	TTL    time.Duration
	Prefix string
}

// CachedProvider serves snapshots and trending lists from Redis when fresh,
// falling back to the wrapped provider. Redis failures never fail a fetch.
type CachedProvider struct {
	next   MarketDataProvider
	redis  redis.Cmdable
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
}

// NewCachedProvider wraps next with a Redis cache.
func NewCachedProvider(next MarketDataProvider, client redis.Cmdable, opts CacheOptions, logger zerolog.Logger) *CachedProvider {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "hypewatch:"
	}
	return &CachedProvider{
		next:   next,
		redis:  client,
		ttl:    ttl,
		prefix: prefix,
		logger: logger.With().Str("component", "market_cache").Logger(),
	}
}

// FetchSnapshot implements MarketDataProvider.
func (c *CachedProvider) FetchSnapshot(ctx context.Context, targetID string) (Snapshot, error) {
	key := c.prefix + "snapshot:" + targetID

	var snap Snapshot
	if c.load(ctx, key, &snap) {
		return snap, nil
	}

	snap, err := c.next.FetchSnapshot(ctx, targetID)
	if err != nil {
		return Snapshot{}, err
	}
	c.store(ctx, key, snap)
	return snap, nil
}

// FetchTrending implements MarketDataProvider.
func (c *CachedProvider) FetchTrending(ctx context.Context) ([]TrendingCoin, error) {
	key := c.prefix + "trending"

	var coins []TrendingCoin
	if c.load(ctx, key, &coins) {
		return coins, nil
	}

	coins, err := c.next.FetchTrending(ctx)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, coins)
	return coins, nil
}

func (c *CachedProvider) load(ctx context.Context, key string, out any) bool {
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache entry corrupt")
		return false
	}
	return true
}

func (c *CachedProvider) store(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return
	}
	if err := c.redis.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

var _ MarketDataProvider = (*CachedProvider)(nil)
