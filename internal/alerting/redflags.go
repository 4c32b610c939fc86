package alerting

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	lowVolumeRatio      = decimal.NewFromFloat(0.001)
	abnormalVolumeRatio = decimal.NewFromInt(5)
	extremeMovePercent  = decimal.NewFromInt(100)
	microCapUSD         = decimal.NewFromInt(100_000)
)

// MarketFigures is the subset of a snapshot used for anomaly detection.
type MarketFigures struct {
	MarketCapUSD decimal.Decimal
	Volume24hUSD decimal.Decimal
	Change24hPct decimal.Decimal
}

// DetectMarketFlags returns human readable anomaly descriptions, in a stable order.
func DetectMarketFlags(f MarketFigures) []string {
	var flags []string

	if f.MarketCapUSD.IsPositive() {
		ratio := f.Volume24hUSD.Div(f.MarketCapUSD)
		switch {
		case ratio.LessThan(lowVolumeRatio):
			flags = append(flags, fmt.Sprintf("very low trading volume (volume/cap %s)", ratio.StringFixed(4)))
		case ratio.GreaterThan(abnormalVolumeRatio):
			flags = append(flags, fmt.Sprintf("abnormal trading volume (volume/cap %s)", ratio.StringFixed(2)))
		}
	}

	if f.Change24hPct.Abs().GreaterThan(extremeMovePercent) {
		flags = append(flags, fmt.Sprintf("extreme volatility (%s%% in 24h)", f.Change24hPct.StringFixed(1)))
	}

	if f.MarketCapUSD.IsPositive() && f.MarketCapUSD.LessThan(microCapUSD) {
		flags = append(flags, fmt.Sprintf("micro market cap ($%s)", f.MarketCapUSD.StringFixed(0)))
	}

	return flags
}
