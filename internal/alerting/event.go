package alerting

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Detail keys carried in Event.Details.
const (
	DetailDirection = "direction"
	DetailThreshold = "threshold"
	DetailFlags     = "flags"
	DetailTxKind    = "tx_kind"
	DetailTxHash    = "tx_hash"
	DetailAmount    = "amount"
	DetailFromLabel = "from"
	DetailToLabel   = "to"
	DetailTrendRank = "rank"
)

// Event describes one firing. It is produced by the evaluators and consumed by dispatch.
type Event struct {
	Kind     Kind                `json:"kind"`
	Target   Target              `json:"target"`
	Current  decimal.Decimal     `json:"current"`
	Previous decimal.NullDecimal `json:"previous"`
	Change   decimal.Decimal     `json:"change"`
	Severity Severity            `json:"severity"`
	Details  map[string]any      `json:"details,omitempty"`
	At       time.Time           `json:"at"`
	DedupKey string              `json:"dedup_key"`
	Cooldown time.Duration       `json:"cooldown"`
}

// Detail returns a string detail or "".
func (e Event) Detail(key string) string {
	if e.Details == nil {
		return ""
	}
	if v, ok := e.Details[key].(string); ok {
		return v
	}
	return ""
}

// Flags returns the red flags attached to the event.
func (e Event) Flags() []string {
	if e.Details == nil {
		return nil
	}
	flags, _ := e.Details[DetailFlags].([]string)
	return flags
}

// DedupKey builds the cooldown key of a firing: kind, target and an optional
// directional qualifier (up/down, buy/sell).
func DedupKey(kind Kind, targetID, qualifier string) string {
	parts := []string{string(kind), strings.ToLower(targetID)}
	if qualifier != "" {
		parts = append(parts, qualifier)
	}
	return strings.Join(parts, ":")
}
