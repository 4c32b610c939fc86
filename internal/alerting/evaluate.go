package alerting

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	decOneAndHalf = decimal.NewFromFloat(1.5)
	decTwo        = decimal.NewFromInt(2)
	decFive       = decimal.NewFromInt(5)
	decHundred    = decimal.NewFromInt(100)
)

const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// redFlagCriticalCount is the number of flags that escalates a red flag to critical.
const redFlagCriticalCount = 3

// WhaleMove is one large transaction presented to the whale-move evaluator.
type WhaleMove struct {
	Hash      string
	Kind      string
	Amount    decimal.Decimal
	AmountUSD decimal.Decimal
	FromLabel string
	ToLabel   string
	Timestamp int64
}

// EvaluateMetricSpike fires when current - previous >= threshold.
func EvaluateMetricSpike(target Target, current, previous decimal.Decimal, cond MetricSpikeCondition, at time.Time) (Event, bool) {
	delta := current.Sub(previous)
	if delta.LessThan(cond.Threshold) {
		return Event{}, false
	}

	severity := SeverityMedium
	if delta.GreaterThanOrEqual(cond.Threshold.Mul(decOneAndHalf)) {
		severity = SeverityHigh
	}

	return Event{
		Kind:     KindMetricSpike,
		Target:   target,
		Current:  current,
		Previous: decimal.NewNullDecimal(previous),
		Change:   delta,
		Severity: severity,
		Details: map[string]any{
			DetailDirection: DirectionUp,
			DetailThreshold: cond.Threshold.String(),
		},
		At:       at,
		DedupKey: DedupKey(KindMetricSpike, target.ID, ""),
	}, true
}

// EvaluateMetricDrop fires when previous - current >= threshold. Change is negative.
func EvaluateMetricDrop(target Target, current, previous decimal.Decimal, cond MetricDropCondition, at time.Time) (Event, bool) {
	drop := previous.Sub(current)
	if drop.LessThan(cond.Threshold) {
		return Event{}, false
	}

	severity := SeverityMedium
	if drop.GreaterThanOrEqual(cond.Threshold.Mul(decOneAndHalf)) {
		severity = SeverityHigh
	}

	return Event{
		Kind:     KindMetricDrop,
		Target:   target,
		Current:  current,
		Previous: decimal.NewNullDecimal(previous),
		Change:   drop.Neg(),
		Severity: severity,
		Details: map[string]any{
			DetailDirection: DirectionDown,
			DetailThreshold: cond.Threshold.String(),
		},
		At:       at,
		DedupKey: DedupKey(KindMetricDrop, target.ID, ""),
	}, true
}

// EvaluatePriceChange fires when |current-previous|/previous*100 >= threshold percent.
// A zero previous value never fires. Change is the signed percentage.
func EvaluatePriceChange(target Target, current, previous decimal.Decimal, cond PriceChangeCondition, at time.Time) (Event, bool) {
	if previous.IsZero() {
		return Event{}, false
	}

	pct := current.Sub(previous).Div(previous).Mul(decHundred)
	if pct.Abs().LessThan(cond.ThresholdPercent) {
		return Event{}, false
	}

	severity := SeverityMedium
	if pct.Abs().GreaterThanOrEqual(cond.ThresholdPercent.Mul(decTwo)) {
		severity = SeverityHigh
	}

	direction := DirectionUp
	if pct.IsNegative() {
		direction = DirectionDown
	}

	return Event{
		Kind:     KindPriceChange,
		Target:   target,
		Current:  current,
		Previous: decimal.NewNullDecimal(previous),
		Change:   pct,
		Severity: severity,
		Details: map[string]any{
			DetailDirection: direction,
			DetailThreshold: cond.ThresholdPercent.String(),
		},
		At:       at,
		DedupKey: DedupKey(KindPriceChange, target.ID, direction),
	}, true
}

// EvaluateWhaleMove fires when the transaction is worth at least the threshold.
func EvaluateWhaleMove(target Target, move WhaleMove, cond WhaleMoveCondition, at time.Time) (Event, bool) {
	if move.AmountUSD.LessThan(cond.ThresholdUSD) {
		return Event{}, false
	}

	severity := SeverityMedium
	if move.AmountUSD.GreaterThanOrEqual(cond.ThresholdUSD.Mul(decFive)) {
		severity = SeverityHigh
	}

	kind := move.Kind
	if kind == "" {
		kind = "transfer"
	}

	return Event{
		Kind:     KindWhaleMove,
		Target:   target,
		Current:  move.AmountUSD,
		Change:   move.AmountUSD,
		Severity: severity,
		Details: map[string]any{
			DetailTxKind:    kind,
			DetailTxHash:    move.Hash,
			DetailAmount:    move.Amount.String(),
			DetailFromLabel: move.FromLabel,
			DetailToLabel:   move.ToLabel,
			DetailThreshold: cond.ThresholdUSD.String(),
		},
		At:       at,
		DedupKey: DedupKey(KindWhaleMove, target.ID, kind),
	}, true
}

// EvaluateTrendingEnter is edge triggered: it fires only on the transition into the list.
func EvaluateTrendingEnter(target Target, isTrending, wasTrending bool, rank int, at time.Time) (Event, bool) {
	if !isTrending || wasTrending {
		return Event{}, false
	}

	return Event{
		Kind:     KindTrendingEnter,
		Target:   target,
		Current:  decimal.NewFromInt(1),
		Previous: decimal.NewNullDecimal(decimal.Zero),
		Change:   decimal.NewFromInt(1),
		Severity: SeverityMedium,
		Details: map[string]any{
			DetailTrendRank: rank,
		},
		At:       at,
		DedupKey: DedupKey(KindTrendingEnter, target.ID, ""),
	}, true
}

// EvaluateRedFlag fires when at least one flag is present.
func EvaluateRedFlag(target Target, flags []string, at time.Time) (Event, bool) {
	if len(flags) == 0 {
		return Event{}, false
	}

	severity := SeverityHigh
	if len(flags) >= redFlagCriticalCount {
		severity = SeverityCritical
	}

	copied := make([]string, len(flags))
	copy(copied, flags)

	return Event{
		Kind:     KindRedFlag,
		Target:   target,
		Current:  decimal.NewFromInt(int64(len(flags))),
		Change:   decimal.NewFromInt(int64(len(flags))),
		Severity: severity,
		Details: map[string]any{
			DetailFlags: copied,
		},
		At:       at,
		DedupKey: DedupKey(KindRedFlag, target.ID, ""),
	}, true
}
