package alerting

import (
	"fmt"
	"strings"
)

// Kind identifies one of the closed set of alert kinds a subscription can watch.
type Kind string

const (
	KindMetricSpike   Kind = "metric_spike"
	KindMetricDrop    Kind = "metric_drop"
	KindPriceChange   Kind = "price_change"
	KindWhaleMove     Kind = "whale_move"
	KindTrendingEnter Kind = "trending_enter"
	KindRedFlag       Kind = "red_flag"
)

var allKinds = []Kind{
	KindMetricSpike,
	KindMetricDrop,
	KindPriceChange,
	KindWhaleMove,
	KindTrendingEnter,
	KindRedFlag,
}

// Kinds returns every supported alert kind.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// ParseKind accepts both the canonical form and dashed spellings (metric-spike).
func ParseKind(raw string) (Kind, error) {
	normalized := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	if normalized.Valid() {
		return normalized, nil
	}
	return "", fmt.Errorf("unknown alert kind %q", raw)
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

// UsesSnapshot reports whether evaluating k needs a market snapshot of the target.
func (k Kind) UsesSnapshot() bool {
	switch k {
	case KindMetricSpike, KindMetricDrop, KindPriceChange, KindRedFlag:
		return true
	default:
		return false
	}
}

func (k Kind) String() string { return string(k) }

// Severity is a coarse ordinal classification of a firing.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Target names the asset a metric is measured against. An empty ID is the wildcard.
type Target struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name,omitempty"`
}

// IsWildcard reports whether the target applies to every asset.
func (t Target) IsWildcard() bool {
	return strings.TrimSpace(t.ID) == ""
}

// DisplaySymbol returns the upper-cased ticker, falling back to the id.
func (t Target) DisplaySymbol() string {
	if t.Symbol != "" {
		return strings.ToUpper(t.Symbol)
	}
	return strings.ToUpper(t.ID)
}

// DisplayName returns the human readable asset name.
func (t Target) DisplayName() string {
	switch {
	case t.Name != "":
		return t.Name
	case t.ID != "":
		return t.ID
	default:
		return t.DisplaySymbol()
	}
}
