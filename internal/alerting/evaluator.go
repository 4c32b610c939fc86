package alerting

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultCooldown        = time.Hour
	DefaultRedFlagCooldown = 24 * time.Hour
)

// Suppressor answers whether a dedup key fired within a window.
type Suppressor interface {
	IsSuppressed(key string, window time.Duration) bool
}

// Decision is the outcome of evaluating one subscription against one observation.
type Decision int

const (
	// DecisionNone means the condition did not hold.
	DecisionNone Decision = iota
	// DecisionSuppressed means the condition held but its key is cooling down.
	DecisionSuppressed
	// DecisionFire means the event should be delivered.
	DecisionFire
)

func (d Decision) String() string {
	switch d {
	case DecisionSuppressed:
		return "suppressed"
	case DecisionFire:
		return "fire"
	default:
		return "none"
	}
}

// Input carries every observation an evaluator may need. Only the fields
// relevant to the condition's kind are read.
type Input struct {
	Target      Target
	Current     decimal.Decimal
	Previous    decimal.NullDecimal
	IsTrending  bool
	WasTrending bool
	TrendRank   int
	Flags       []string
	Whale       *WhaleMove
}

// EvaluatorOptions configure cooldown windows.
type EvaluatorOptions struct {
	DefaultCooldown time.Duration
	RedFlagCooldown time.Duration
	Now             func() time.Time
}

// Evaluator dispatches to the kind evaluators and applies owner-scoped cooldowns.
// It never marks keys fired; callers do that after delivery succeeds.
type Evaluator struct {
	cooldown        Suppressor
	defaultCooldown time.Duration
	redFlagCooldown time.Duration
	now             func() time.Time
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(cooldown Suppressor, opts EvaluatorOptions) *Evaluator {
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = DefaultCooldown
	}
	if opts.RedFlagCooldown <= 0 {
		opts.RedFlagCooldown = DefaultRedFlagCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Evaluator{
		cooldown:        cooldown,
		defaultCooldown: opts.DefaultCooldown,
		redFlagCooldown: opts.RedFlagCooldown,
		now:             opts.Now,
	}
}

// Window returns the cooldown window applied to kind.
func (e *Evaluator) Window(kind Kind) time.Duration {
	if kind == KindRedFlag {
		return e.redFlagCooldown
	}
	return e.defaultCooldown
}

// Evaluate runs cond against in for owner. The returned event carries the
// owner-scoped dedup key and its cooldown window.
func (e *Evaluator) Evaluate(owner int64, cond Condition, in Input) (Event, Decision) {
	ev, ok := Fire(cond, in, e.now())
	if !ok {
		return Event{}, DecisionNone
	}

	ev.DedupKey = ScopedKey(owner, ev.DedupKey)
	ev.Cooldown = e.Window(ev.Kind)

	if e.cooldown != nil && e.cooldown.IsSuppressed(ev.DedupKey, ev.Cooldown) {
		return ev, DecisionSuppressed
	}
	return ev, DecisionFire
}

// Fire runs the pure evaluator for cond without any cooldown check.
func Fire(cond Condition, in Input, at time.Time) (Event, bool) {
	switch c := cond.(type) {
	case MetricSpikeCondition:
		if !in.Previous.Valid {
			return Event{}, false
		}
		return EvaluateMetricSpike(in.Target, in.Current, in.Previous.Decimal, c, at)
	case MetricDropCondition:
		if !in.Previous.Valid {
			return Event{}, false
		}
		return EvaluateMetricDrop(in.Target, in.Current, in.Previous.Decimal, c, at)
	case PriceChangeCondition:
		if !in.Previous.Valid {
			return Event{}, false
		}
		return EvaluatePriceChange(in.Target, in.Current, in.Previous.Decimal, c, at)
	case WhaleMoveCondition:
		if in.Whale == nil {
			return Event{}, false
		}
		return EvaluateWhaleMove(in.Target, *in.Whale, c, at)
	case TrendingEnterCondition:
		return EvaluateTrendingEnter(in.Target, in.IsTrending, in.WasTrending, in.TrendRank, at)
	case RedFlagCondition:
		return EvaluateRedFlag(in.Target, in.Flags, at)
	default:
		return Event{}, false
	}
}

// ScopedKey prefixes a dedup key with its owner so cooldowns never leak between users.
func ScopedKey(owner int64, key string) string {
	return fmt.Sprintf("%d|%s", owner, key)
}
