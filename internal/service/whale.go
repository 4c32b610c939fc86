package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"hypewatch/internal/alerting"
	"hypewatch/internal/fetcher"
	"hypewatch/internal/metrics"
	"hypewatch/internal/storage"
)

// WhaleOptions tune the WhaleMonitor.
type WhaleOptions struct {
	MinUSD      decimal.Decimal
	Limit       int
	PerOwnerCap int
	Location    *time.Location
	Now         func() time.Time
}

// WhaleMonitor fans large transactions out to whale-move subscriptions.
type WhaleMonitor struct {
	store     storage.AlertStore
	feed      fetcher.WhaleFeed
	evaluator *alerting.Evaluator
	dispatch  *Dispatcher
	opts      WhaleOptions
	logger    zerolog.Logger

	mu        sync.Mutex
	highWater int64
}

// NewWhaleMonitor wires a WhaleMonitor starting from a zero high-water mark.
func NewWhaleMonitor(store storage.AlertStore, feed fetcher.WhaleFeed, evaluator *alerting.Evaluator, dispatch *Dispatcher, opts WhaleOptions, logger zerolog.Logger) *WhaleMonitor {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.PerOwnerCap <= 0 {
		opts.PerOwnerCap = 3
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &WhaleMonitor{
		store:     store,
		feed:      feed,
		evaluator: evaluator,
		dispatch:  dispatch,
		opts:      opts,
		logger:    logger.With().Str("component", "whale_monitor").Logger(),
	}
}

// HighWaterMark returns the timestamp of the newest processed transaction.
func (m *WhaleMonitor) HighWaterMark() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highWater
}

// RunCycle processes transactions newer than the high-water mark.
func (m *WhaleMonitor) RunCycle(ctx context.Context) error {
	logger := m.logger.With().Str("cycle_id", uuid.NewString()).Logger()

	txs, err := m.feed.ListRecentTransactions(ctx, m.opts.MinUSD, m.opts.Limit)
	if err != nil {
		metrics.FetchFailures.WithLabelValues("whale_feed").Inc()
		return fmt.Errorf("list whale transactions: %w", err)
	}

	fresh := m.advance(txs)
	if len(fresh) == 0 {
		return nil
	}
	logger.Debug().Int("transactions", len(fresh)).Int64("high_water_mark", m.HighWaterMark()).Msg("new whale transactions")

	all, err := m.store.ListActiveSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list active subscriptions: %w", err)
	}
	subs := activeOf(all, func(sub storage.Subscription) bool {
		return sub.Kind == alerting.KindWhaleMove
	})

	for _, group := range groupByOwner(subs) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.processOwner(ctx, logger, group, fresh)
	}
	return nil
}

// advance keeps the transactions strictly newer than the high-water mark and
// moves the mark to the newest of them. The mark never decreases.
func (m *WhaleMonitor) advance(txs []fetcher.Transaction) []fetcher.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	mark := m.highWater
	fresh := make([]fetcher.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Timestamp <= m.highWater {
			continue
		}
		fresh = append(fresh, tx)
		if tx.Timestamp > mark {
			mark = tx.Timestamp
		}
	}
	m.highWater = mark
	metrics.WhaleHighWaterMark.Set(float64(mark))
	return fresh
}

func (m *WhaleMonitor) processOwner(ctx context.Context, logger zerolog.Logger, subs []storage.Subscription, txs []fetcher.Transaction) {
	logger = logger.With().Int64("owner_id", subs[0].OwnerID).Logger()

	owner, err := m.store.GetOwner(ctx, subs[0])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			metrics.AlertsSkipped.WithLabelValues(skipOwnerMissing).Add(float64(len(subs)))
			logger.Warn().Msg("subscription owner not found")
			return
		}
		logger.Error().Err(err).Msg("failed to resolve subscription owner")
		return
	}
	if reason := gateReason(owner, m.opts.Now(), m.opts.Location); reason != "" {
		metrics.AlertsSkipped.WithLabelValues(reason).Add(float64(len(subs)))
		return
	}

	attempts := 0
	for _, sub := range subs {
		if !usableCondition(logger, sub) {
			continue
		}
		for _, tx := range txs {
			if attempts >= m.opts.PerOwnerCap {
				logger.Debug().Int("cap", m.opts.PerOwnerCap).Msg("per-owner whale alert cap reached")
				return
			}
			if !whaleMatches(sub.Target, tx) {
				continue
			}

			ev, decision := m.evaluator.Evaluate(sub.OwnerID, sub.Condition, alerting.Input{
				Target:  whaleTarget(sub.Target, tx),
				Current: tx.AmountUSD,
				Whale: &alerting.WhaleMove{
					Hash:      tx.Hash,
					Kind:      tx.Kind,
					Amount:    tx.Amount,
					AmountUSD: tx.AmountUSD,
					FromLabel: tx.FromLabel,
					ToLabel:   tx.ToLabel,
					Timestamp: tx.Timestamp,
				},
			})
			switch decision {
			case alerting.DecisionSuppressed:
				metrics.AlertsSuppressed.WithLabelValues(string(ev.Kind)).Inc()
			case alerting.DecisionFire:
				attempts++
				_ = m.dispatch.Deliver(ctx, sub, owner, ev)
			}
		}
	}
}

func whaleMatches(target alerting.Target, tx fetcher.Transaction) bool {
	if target.IsWildcard() {
		return true
	}
	if target.Symbol != "" {
		return strings.EqualFold(target.Symbol, tx.Symbol)
	}
	return strings.EqualFold(target.ID, tx.Symbol)
}

func whaleTarget(target alerting.Target, tx fetcher.Transaction) alerting.Target {
	if !target.IsWildcard() {
		return target
	}
	return alerting.Target{ID: strings.ToLower(tx.Symbol), Symbol: tx.Symbol}
}
