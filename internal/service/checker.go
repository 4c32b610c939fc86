package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"hypewatch/internal/alerting"
	"hypewatch/internal/fetcher"
	"hypewatch/internal/metrics"
	"hypewatch/internal/state"
	"hypewatch/internal/storage"
)

// CheckerOptions tune one AlertChecker.
type CheckerOptions struct {
	// Concurrency bounds parallel snapshot fetches and parallel owners.
	Concurrency  int
	FetchTimeout time.Duration
	// Location is where quiet hours are evaluated.
	Location *time.Location
	// SweepAge drops cooldown entries older than this at the end of each cycle; zero disables.
	SweepAge time.Duration
	Now      func() time.Time
}

// AlertChecker runs the subscription alerting cycle.
type AlertChecker struct {
	store     storage.AlertStore
	provider  fetcher.MarketDataProvider
	evaluator *alerting.Evaluator
	previous  *state.PreviousValueCache
	cooldown  *state.CooldownTracker
	dispatch  *Dispatcher
	opts      CheckerOptions
	logger    zerolog.Logger

	mu           sync.Mutex
	lastTrending map[string]struct{}
}

// observation is one target's snapshot plus the previous values it replaced.
type observation struct {
	snapshot  fetcher.Snapshot
	hype      decimal.Decimal
	prevHype  decimal.NullDecimal
	prevPrice decimal.NullDecimal
	flags     []string
}

type trendingView struct {
	current map[string]fetcher.TrendingCoin
	was     map[string]bool
}

// NewAlertChecker wires an AlertChecker.
func NewAlertChecker(store storage.AlertStore, provider fetcher.MarketDataProvider, evaluator *alerting.Evaluator, previous *state.PreviousValueCache, cooldown *state.CooldownTracker, dispatch *Dispatcher, opts CheckerOptions, logger zerolog.Logger) *AlertChecker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &AlertChecker{
		store:        store,
		provider:     provider,
		evaluator:    evaluator,
		previous:     previous,
		cooldown:     cooldown,
		dispatch:     dispatch,
		opts:         opts,
		logger:       logger.With().Str("component", "alert_checker").Logger(),
		lastTrending: make(map[string]struct{}),
	}
}

// RunCycle evaluates every active subscription once.
func (c *AlertChecker) RunCycle(ctx context.Context) error {
	logger := c.logger.With().Str("cycle_id", uuid.NewString()).Logger()

	all, err := c.store.ListActiveSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list active subscriptions: %w", err)
	}
	subs := activeOf(all, func(sub storage.Subscription) bool {
		return sub.Kind != alerting.KindWhaleMove
	})
	if len(subs) == 0 {
		logger.Debug().Msg("no active subscriptions")
		return nil
	}

	observed := c.observeSnapshots(c.fetchSnapshots(ctx, logger, snapshotTargets(subs)))
	trending := c.observeTrending(ctx, logger, subs)

	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for _, group := range groupByOwner(subs) {
		g.Go(func() error {
			c.processOwner(ctx, logger, group, observed, trending)
			return nil
		})
	}
	_ = g.Wait()

	if c.opts.SweepAge > 0 {
		if removed := c.cooldown.Sweep(c.opts.SweepAge); removed > 0 {
			logger.Debug().Int("removed", removed).Msg("swept cooldown entries")
		}
	}
	metrics.CooldownEntries.Set(float64(c.cooldown.Len()))

	logger.Debug().
		Int("subscriptions", len(subs)).
		Int("snapshots", len(observed)).
		Msg("alert cycle complete")
	return nil
}

// snapshotTargets lists the distinct non-wildcard targets of snapshot-based subscriptions.
func snapshotTargets(subs []storage.Subscription) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, sub := range subs {
		if !sub.Kind.UsesSnapshot() || sub.Target.IsWildcard() {
			continue
		}
		id := strings.ToLower(sub.Target.ID)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *AlertChecker) fetchSnapshots(ctx context.Context, logger zerolog.Logger, ids []string) map[string]fetcher.Snapshot {
	var (
		mu  sync.Mutex
		out = make(map[string]fetcher.Snapshot, len(ids))
		g   errgroup.Group
	)
	g.SetLimit(c.opts.Concurrency)

	for _, id := range ids {
		g.Go(func() error {
			fetchCtx := ctx
			if c.opts.FetchTimeout > 0 {
				var cancel context.CancelFunc
				fetchCtx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
				defer cancel()
			}

			snap, err := c.provider.FetchSnapshot(fetchCtx, id)
			if err != nil {
				metrics.FetchFailures.WithLabelValues("snapshot").Inc()
				logger.Warn().Err(err).
					Str("target", id).
					Bool("transient", errors.Is(err, fetcher.ErrTransientFetch)).
					Msg("snapshot fetch failed; target skipped this cycle")
				return nil
			}
			if snap.Target.ID == "" {
				snap.Target.ID = id
			}

			mu.Lock()
			out[id] = snap
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// observeSnapshots records each snapshot into the previous-value cache, one swap per metric.
func (c *AlertChecker) observeSnapshots(snaps map[string]fetcher.Snapshot) map[string]observation {
	out := make(map[string]observation, len(snaps))
	for id, snap := range snaps {
		hype := snap.HypeScore()
		prevHype, _ := c.previous.Swap(id, state.MetricHype, hype)
		prevPrice, _ := c.previous.Swap(id, state.MetricPrice, snap.PriceUSD)
		out[id] = observation{
			snapshot:  snap,
			hype:      hype,
			prevHype:  prevHype,
			prevPrice: prevPrice,
			flags:     alerting.DetectMarketFlags(snap.Figures()),
		}
	}
	return out
}

// observeTrending fetches the trending list once and records the trending flag of every
// coin that is, was, or is subscribed to be trending. It returns nil when no subscription
// needs it or the fetch failed.
func (c *AlertChecker) observeTrending(ctx context.Context, logger zerolog.Logger, subs []storage.Subscription) *trendingView {
	var wanted []string
	need := false
	for _, sub := range subs {
		if sub.Kind != alerting.KindTrendingEnter {
			continue
		}
		need = true
		if !sub.Target.IsWildcard() {
			wanted = append(wanted, strings.ToLower(sub.Target.ID))
		}
	}
	if !need {
		return nil
	}

	fetchCtx := ctx
	if c.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
		defer cancel()
	}
	coins, err := c.provider.FetchTrending(fetchCtx)
	if err != nil {
		metrics.FetchFailures.WithLabelValues("trending").Inc()
		logger.Warn().Err(err).Msg("trending fetch failed; trending alerts skipped this cycle")
		return nil
	}

	view := &trendingView{
		current: make(map[string]fetcher.TrendingCoin, len(coins)),
		was:     make(map[string]bool),
	}
	for _, coin := range coins {
		view.current[strings.ToLower(coin.ID)] = coin
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := make(map[string]struct{}, len(view.current)+len(c.lastTrending)+len(wanted))
	for id := range view.current {
		candidates[id] = struct{}{}
	}
	for id := range c.lastTrending {
		candidates[id] = struct{}{}
	}
	for _, id := range wanted {
		candidates[id] = struct{}{}
	}

	for id := range candidates {
		_, is := view.current[id]
		prev, _ := c.previous.Swap(id, state.MetricTrending, flagValue(is))
		view.was[id] = prev.Valid && prev.Decimal.IsPositive()
	}

	c.lastTrending = make(map[string]struct{}, len(view.current))
	for id := range view.current {
		c.lastTrending[id] = struct{}{}
	}
	return view
}

func flagValue(b bool) decimal.Decimal {
	if b {
		return decimal.NewFromInt(1)
	}
	return decimal.Zero
}

func (c *AlertChecker) processOwner(ctx context.Context, logger zerolog.Logger, subs []storage.Subscription, observed map[string]observation, trending *trendingView) {
	ownerID := subs[0].OwnerID
	logger = logger.With().Int64("owner_id", ownerID).Logger()

	owner, err := c.store.GetOwner(ctx, subs[0])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			metrics.AlertsSkipped.WithLabelValues(skipOwnerMissing).Add(float64(len(subs)))
			logger.Warn().Msg("subscription owner not found")
			return
		}
		logger.Error().Err(err).Msg("failed to resolve subscription owner")
		return
	}

	if reason := gateReason(owner, c.opts.Now(), c.opts.Location); reason != "" {
		metrics.AlertsSkipped.WithLabelValues(reason).Add(float64(len(subs)))
		logger.Debug().Str("reason", reason).Int("subscriptions", len(subs)).Msg("owner not accepting alerts")
		return
	}

	for _, sub := range subs {
		if !usableCondition(logger, sub) {
			continue
		}
		for _, in := range evaluationInputs(sub, observed, trending) {
			ev, decision := c.evaluator.Evaluate(ownerID, sub.Condition, in)
			switch decision {
			case alerting.DecisionSuppressed:
				metrics.AlertsSuppressed.WithLabelValues(string(ev.Kind)).Inc()
				logger.Debug().Int64("subscription_id", sub.ID).Str("dedup_key", ev.DedupKey).Msg("alert suppressed by cooldown")
			case alerting.DecisionFire:
				// failures are logged by the dispatcher and retried on the next qualifying cycle
				_ = c.dispatch.Deliver(ctx, sub, owner, ev)
			}
		}
	}
}

// evaluationInputs builds the evaluator inputs for sub from this cycle's observations.
func evaluationInputs(sub storage.Subscription, observed map[string]observation, trending *trendingView) []alerting.Input {
	if sub.Kind == alerting.KindTrendingEnter {
		return trendingInputs(sub, trending)
	}
	if !sub.Kind.UsesSnapshot() {
		return nil
	}

	var obs []observation
	if sub.Target.IsWildcard() {
		ids := make([]string, 0, len(observed))
		for id := range observed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			obs = append(obs, observed[id])
		}
	} else {
		o, ok := observed[strings.ToLower(sub.Target.ID)]
		if !ok {
			metrics.AlertsSkipped.WithLabelValues(skipMissingSnapshot).Inc()
			return nil
		}
		obs = append(obs, o)
	}

	inputs := make([]alerting.Input, 0, len(obs))
	for _, o := range obs {
		target := o.snapshot.Target
		if target.Symbol == "" && !sub.Target.IsWildcard() {
			target = sub.Target
		}
		in := alerting.Input{Target: target}
		switch sub.Kind {
		case alerting.KindMetricSpike, alerting.KindMetricDrop:
			in.Current = o.hype
			in.Previous = o.prevHype
		case alerting.KindPriceChange:
			in.Current = o.snapshot.PriceUSD
			in.Previous = o.prevPrice
		case alerting.KindRedFlag:
			in.Current = o.snapshot.PriceUSD
			in.Flags = o.flags
		}
		inputs = append(inputs, in)
	}
	return inputs
}

func trendingInputs(sub storage.Subscription, trending *trendingView) []alerting.Input {
	if trending == nil {
		return nil
	}

	if !sub.Target.IsWildcard() {
		id := strings.ToLower(sub.Target.ID)
		coin, is := trending.current[id]
		target := sub.Target
		if is && target.Symbol == "" {
			target = coin.Target()
		}
		return []alerting.Input{{
			Target:      target,
			IsTrending:  is,
			WasTrending: trending.was[id],
			TrendRank:   coin.Position,
		}}
	}

	coins := make([]fetcher.TrendingCoin, 0, len(trending.current))
	for _, coin := range trending.current {
		coins = append(coins, coin)
	}
	sort.Slice(coins, func(i, j int) bool { return coins[i].Position < coins[j].Position })

	inputs := make([]alerting.Input, 0, len(coins))
	for _, coin := range coins {
		inputs = append(inputs, alerting.Input{
			Target:      coin.Target(),
			IsTrending:  true,
			WasTrending: trending.was[strings.ToLower(coin.ID)],
			TrendRank:   coin.Position,
		})
	}
	return inputs
}
