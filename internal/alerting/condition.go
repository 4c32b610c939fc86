package alerting

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidCondition marks a condition rejected at subscription creation.
var ErrInvalidCondition = errors.New("invalid alert condition")

// Condition is the per-kind parameter set of a subscription.
type Condition interface {
	Kind() Kind
	Validate() error
}

// MetricSpikeCondition fires when the hype figure rises by at least Threshold points.
type MetricSpikeCondition struct {
	Threshold decimal.Decimal `json:"threshold"`
}

// MetricDropCondition fires when the hype figure falls by at least Threshold points.
type MetricDropCondition struct {
	Threshold decimal.Decimal `json:"threshold"`
}

// PriceChangeCondition fires when the price moves by at least ThresholdPercent in either direction.
type PriceChangeCondition struct {
	ThresholdPercent decimal.Decimal `json:"threshold_percent"`
}

// WhaleMoveCondition fires on transactions worth at least ThresholdUSD.
type WhaleMoveCondition struct {
	ThresholdUSD decimal.Decimal `json:"threshold_usd"`
}

// TrendingEnterCondition fires when the target enters the trending list.
type TrendingEnterCondition struct{}

// RedFlagCondition fires when market anomalies are detected on the target.
type RedFlagCondition struct{}

func (MetricSpikeCondition) Kind() Kind   { return KindMetricSpike }
func (MetricDropCondition) Kind() Kind    { return KindMetricDrop }
func (PriceChangeCondition) Kind() Kind   { return KindPriceChange }
func (WhaleMoveCondition) Kind() Kind     { return KindWhaleMove }
func (TrendingEnterCondition) Kind() Kind { return KindTrendingEnter }
func (RedFlagCondition) Kind() Kind       { return KindRedFlag }

func (c MetricSpikeCondition) Validate() error {
	return requirePositive("threshold", c.Threshold)
}

func (c MetricDropCondition) Validate() error {
	return requirePositive("threshold", c.Threshold)
}

func (c PriceChangeCondition) Validate() error {
	return requirePositive("threshold_percent", c.ThresholdPercent)
}

func (c WhaleMoveCondition) Validate() error {
	return requirePositive("threshold_usd", c.ThresholdUSD)
}

func (TrendingEnterCondition) Validate() error { return nil }
func (RedFlagCondition) Validate() error       { return nil }

func requirePositive(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return fmt.Errorf("%w: %s must be greater than zero", ErrInvalidCondition, field)
	}
	return nil
}

// DefaultCondition returns the condition used when a subscription carries no parameters.
func DefaultCondition(kind Kind) (Condition, error) {
	switch kind {
	case KindMetricSpike:
		return MetricSpikeCondition{Threshold: decimal.NewFromInt(20)}, nil
	case KindMetricDrop:
		return MetricDropCondition{Threshold: decimal.NewFromInt(20)}, nil
	case KindPriceChange:
		return PriceChangeCondition{ThresholdPercent: decimal.NewFromInt(10)}, nil
	case KindWhaleMove:
		return WhaleMoveCondition{ThresholdUSD: decimal.NewFromInt(1_000_000)}, nil
	case KindTrendingEnter:
		return TrendingEnterCondition{}, nil
	case KindRedFlag:
		return RedFlagCondition{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidCondition, kind)
	}
}

// DecodeCondition parses the stored JSON parameters of a subscription of the given kind.
// Empty payloads yield the kind's default condition. The result is validated.
func DecodeCondition(kind Kind, raw []byte) (Condition, error) {
	cond, err := DefaultCondition(kind)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return cond, nil
	}

	switch c := cond.(type) {
	case MetricSpikeCondition:
		err = json.Unmarshal(trimmed, &c)
		cond = c
	case MetricDropCondition:
		err = json.Unmarshal(trimmed, &c)
		cond = c
	case PriceChangeCondition:
		err = json.Unmarshal(trimmed, &c)
		cond = c
	case WhaleMoveCondition:
		err = json.Unmarshal(trimmed, &c)
		cond = c
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s parameters: %v", ErrInvalidCondition, kind, err)
	}

	if err := cond.Validate(); err != nil {
		return nil, err
	}
	return cond, nil
}

// EncodeCondition serialises the condition parameters for storage.
func EncodeCondition(cond Condition) ([]byte, error) {
	if cond == nil {
		return nil, fmt.Errorf("%w: nil condition", ErrInvalidCondition)
	}
	if err := cond.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(cond)
}

// ConditionFromThreshold builds a condition for kind from a single threshold value,
// as entered on the command line. An empty threshold selects the default.
func ConditionFromThreshold(kind Kind, threshold string) (Condition, error) {
	cond, err := DefaultCondition(kind)
	if err != nil {
		return nil, err
	}
	if threshold == "" {
		return cond, nil
	}

	value, err := decimal.NewFromString(threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: threshold %q: %v", ErrInvalidCondition, threshold, err)
	}

	switch cond.(type) {
	case MetricSpikeCondition:
		cond = MetricSpikeCondition{Threshold: value}
	case MetricDropCondition:
		cond = MetricDropCondition{Threshold: value}
	case PriceChangeCondition:
		cond = PriceChangeCondition{ThresholdPercent: value}
	case WhaleMoveCondition:
		cond = WhaleMoveCondition{ThresholdUSD: value}
	default:
		return nil, fmt.Errorf("%w: %s takes no threshold", ErrInvalidCondition, kind)
	}

	if err := cond.Validate(); err != nil {
		return nil, err
	}
	return cond, nil
}
