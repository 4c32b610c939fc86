package fetcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypewatch/internal/alerting"
)

type countingProvider struct {
	snapshots atomic.Int32
	trending  atomic.Int32
}

func (p *countingProvider) FetchSnapshot(_ context.Context, id string) (Snapshot, error) {
	p.snapshots.Add(1)
	return Snapshot{Target: alerting.Target{ID: id}, PriceUSD: decimal.NewFromInt(42)}, nil
}

func (p *countingProvider) FetchTrending(context.Context) ([]TrendingCoin, error) {
	p.trending.Add(1)
	return []TrendingCoin{{ID: "pepe", Position: 1}}, nil
}

func TestCachedProviderFallsBackWhenRedisUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	next := &countingProvider{}
	cached := NewCachedProvider(next, client, CacheOptions{TTL: time.Minute}, noopLogger())

	snap, err := cached.FetchSnapshot(context.Background(), "bitcoin")
	require.NoError(t, err)
	assert.Equal(t, "bitcoin", snap.Target.ID)
	assert.True(t, snap.PriceUSD.Equal(decimal.NewFromInt(42)))

	coins, err := cached.FetchTrending(context.Background())
	require.NoError(t, err)
	assert.Len(t, coins, 1)

	assert.Equal(t, int32(1), next.snapshots.Load())
	assert.Equal(t, int32(1), next.trending.Load())
}
