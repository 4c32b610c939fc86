package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"hypewatch/internal/alerting"
)

// ErrTransientFetch marks an upstream failure that only affects the current item or cycle.
var ErrTransientFetch = errors.New("transient fetch failure")

var (
	decTwo     = decimal.NewFromInt(2)
	decHundred = decimal.NewFromInt(100)
)

// Snapshot is the market state of one target at fetch time.
type Snapshot struct {
	Target       alerting.Target `json:"target"`
	PriceUSD     decimal.Decimal `json:"price_usd"`
	Change24hPct decimal.Decimal `json:"change_24h_pct"`
	Change7dPct  decimal.Decimal `json:"change_7d_pct"`
	MarketCapUSD decimal.Decimal `json:"market_cap_usd"`
	Volume24hUSD decimal.Decimal `json:"volume_24h_usd"`
	Rank         int             `json:"rank"`
	FetchedAt    time.Time       `json:"fetched_at"`
}

// HypeScore is the default 0-100 hype figure: twice the absolute 24h change, capped at 100.
func (s Snapshot) HypeScore() decimal.Decimal {
	return decimal.Min(s.Change24hPct.Abs().Mul(decTwo), decHundred)
}

// Figures extracts the fields used by market anomaly detection.
func (s Snapshot) Figures() alerting.MarketFigures {
	return alerting.MarketFigures{
		MarketCapUSD: s.MarketCapUSD,
		Volume24hUSD: s.Volume24hUSD,
		Change24hPct: s.Change24hPct,
	}
}

// TrendingCoin is one entry of the ranked trending list. Position is 1-based.
type TrendingCoin struct {
	ID            string `json:"id"`
	Symbol        string `json:"symbol"`
	Name          string `json:"name"`
	MarketCapRank int    `json:"market_cap_rank"`
	Position      int    `json:"position"`
}

// Target converts the entry into an alert target.
func (c TrendingCoin) Target() alerting.Target {
	return alerting.Target{ID: c.ID, Symbol: c.Symbol, Name: c.Name}
}

// Transaction kinds reported by whale feeds.
const (
	TxBuy      = "buy"
	TxSell     = "sell"
	TxTransfer = "transfer"
)

// Transaction is one large on-chain movement.
type Transaction struct {
	Hash      string          `json:"hash"`
	Symbol    string          `json:"symbol"`
	Kind      string          `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	FromLabel string          `json:"from_label,omitempty"`
	ToLabel   string          `json:"to_label,omitempty"`
	// Timestamp is unix seconds of the containing block.
	Timestamp int64 `json:"timestamp"`
}

// MarketDataProvider retrieves market snapshots and the trending list.
type MarketDataProvider interface {
	FetchSnapshot(ctx context.Context, targetID string) (Snapshot, error)
	FetchTrending(ctx context.Context) ([]TrendingCoin, error)
}

// WhaleFeed lists recent large transactions, newest first.
type WhaleFeed interface {
	ListRecentTransactions(ctx context.Context, minUSD decimal.Decimal, limit int) ([]Transaction, error)
}
