package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const maxRenderedFlags = 5

var severityBadges = map[Severity]string{
	SeverityCritical: "🚨🚨🚨",
	SeverityHigh:     "🚨",
	SeverityMedium:   "⚠️",
	SeverityLow:      "📢",
}

// RenderMessage formats an event as a Telegram Markdown message.
func RenderMessage(ev Event) string {
	b := strings.Builder{}
	badge := severityBadges[ev.Severity]
	if badge == "" {
		badge = severityBadges[SeverityLow]
	}
	symbol := ev.Target.DisplaySymbol()

	switch ev.Kind {
	case KindMetricSpike, KindMetricDrop:
		verb := "spiked"
		if ev.Kind == KindMetricDrop {
			verb = "dropped"
		}
		fmt.Fprintf(&b, "%s *Hype %s: %s*\n\n", badge, verb, symbol)
		fmt.Fprintf(&b, "Coin: %s\n", ev.Target.DisplayName())
		fmt.Fprintf(&b, "Hype score: %s → %s (%s)\n", formatPrevious(ev.Previous, 1), ev.Current.StringFixed(1), signed(ev.Change, 1))
	case KindPriceChange:
		arrow := "📈"
		if ev.Detail(DetailDirection) == DirectionDown {
			arrow = "📉"
		}
		fmt.Fprintf(&b, "%s %s *Price move: %s*\n\n", badge, arrow, symbol)
		fmt.Fprintf(&b, "Coin: %s\n", ev.Target.DisplayName())
		fmt.Fprintf(&b, "Price: $%s → $%s\n", formatPrevious(ev.Previous, 6), formatPrice(ev.Current))
		fmt.Fprintf(&b, "Change: %s%%\n", signed(ev.Change, 2))
	case KindWhaleMove:
		action := "moved"
		switch ev.Detail(DetailTxKind) {
		case "buy":
			action = "bought"
		case "sell":
			action = "sold"
		}
		fmt.Fprintf(&b, "%s 🐋 *Whale %s %s*\n\n", badge, action, symbol)
		fmt.Fprintf(&b, "Amount: $%s\n", humanUSD(ev.Current))
		if from := ev.Detail(DetailFromLabel); from != "" {
			fmt.Fprintf(&b, "From: %s\n", from)
		}
		if to := ev.Detail(DetailToLabel); to != "" {
			fmt.Fprintf(&b, "To: %s\n", to)
		}
		if hash := ev.Detail(DetailTxHash); hash != "" {
			fmt.Fprintf(&b, "Tx: `%s`\n", hash)
		}
	case KindTrendingEnter:
		fmt.Fprintf(&b, "%s 🔥 *%s is trending*\n\n", badge, symbol)
		fmt.Fprintf(&b, "Coin: %s\n", ev.Target.DisplayName())
		if rank, ok := ev.Details[DetailTrendRank].(int); ok && rank > 0 {
			fmt.Fprintf(&b, "Trending position: #%d\n", rank)
		}
	case KindRedFlag:
		fmt.Fprintf(&b, "%s *Red flags: %s*\n\n", badge, symbol)
		flags := ev.Flags()
		for i, flag := range flags {
			if i == maxRenderedFlags {
				fmt.Fprintf(&b, "…and %d more\n", len(flags)-maxRenderedFlags)
				break
			}
			fmt.Fprintf(&b, "• %s\n", flag)
		}
	default:
		fmt.Fprintf(&b, "%s *%s: %s*\n", badge, ev.Kind, symbol)
	}

	fmt.Fprintf(&b, "\nSeverity: %s\n", strings.ToUpper(string(ev.Severity)))
	if !ev.At.IsZero() {
		fmt.Fprintf(&b, "%s UTC", ev.At.UTC().Format(time.DateTime))
	}
	return b.String()
}

func formatPrevious(prev decimal.NullDecimal, places int32) string {
	if !prev.Valid {
		return "n/a"
	}
	if places > 2 {
		return formatPrice(prev.Decimal)
	}
	return prev.Decimal.StringFixed(places)
}

func formatPrice(v decimal.Decimal) string {
	if v.Abs().LessThan(decimal.NewFromInt(1)) {
		return v.StringFixed(6)
	}
	return v.StringFixed(2)
}

func signed(v decimal.Decimal, places int32) string {
	if v.IsNegative() {
		return v.StringFixed(places)
	}
	return "+" + v.StringFixed(places)
}

func humanUSD(v decimal.Decimal) string {
	million := decimal.NewFromInt(1_000_000)
	thousand := decimal.NewFromInt(1_000)
	switch {
	case v.GreaterThanOrEqual(million):
		return v.Div(million).StringFixed(2) + "M"
	case v.GreaterThanOrEqual(thousand):
		return v.Div(thousand).StringFixed(1) + "K"
	default:
		return v.StringFixed(2)
	}
}
