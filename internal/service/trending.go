package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hypewatch/internal/fetcher"
	"hypewatch/internal/metrics"
	"hypewatch/internal/storage"
)

// SnapshotAppender stores trending snapshots.
type SnapshotAppender interface {
	AppendTrendingSnapshot(ctx context.Context, coins []storage.RankedCoin, source string, at time.Time) error
}

// TrendingOptions tune the TrendingUpdater.
type TrendingOptions struct {
	TopN   int
	Source string
	Now    func() time.Time
}

// TrendingUpdater records the trending list on an interval.
type TrendingUpdater struct {
	provider fetcher.MarketDataProvider
	store    SnapshotAppender
	opts     TrendingOptions
	logger   zerolog.Logger
}

// NewTrendingUpdater wires a TrendingUpdater.
func NewTrendingUpdater(provider fetcher.MarketDataProvider, store SnapshotAppender, opts TrendingOptions, logger zerolog.Logger) *TrendingUpdater {
	if opts.TopN <= 0 {
		opts.TopN = 10
	}
	if opts.Source == "" {
		opts.Source = "coingecko"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &TrendingUpdater{
		provider: provider,
		store:    store,
		opts:     opts,
		logger:   logger.With().Str("component", "trending_updater").Logger(),
	}
}

// RunCycle fetches the trending list and appends a snapshot of its top entries.
func (u *TrendingUpdater) RunCycle(ctx context.Context) error {
	coins, err := u.provider.FetchTrending(ctx)
	if err != nil {
		metrics.FetchFailures.WithLabelValues("trending").Inc()
		return fmt.Errorf("fetch trending: %w", err)
	}
	if len(coins) > u.opts.TopN {
		coins = coins[:u.opts.TopN]
	}

	ranked := make([]storage.RankedCoin, 0, len(coins))
	for i, coin := range coins {
		position := coin.Position
		if position <= 0 {
			position = i + 1
		}
		ranked = append(ranked, storage.RankedCoin{
			ID:            coin.ID,
			Symbol:        coin.Symbol,
			Name:          coin.Name,
			MarketCapRank: coin.MarketCapRank,
			Position:      position,
		})
	}

	at := u.opts.Now().UTC()
	if err := u.store.AppendTrendingSnapshot(ctx, ranked, u.opts.Source, at); err != nil {
		return fmt.Errorf("append trending snapshot: %w", err)
	}

	u.logger.Info().Int("coins", len(ranked)).Str("source", u.opts.Source).Msg("trending snapshot recorded")
	return nil
}
