package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"hypewatch/internal/alerting"
)

const (
	defaultCoinGeckoURL = "https://api.coingecko.com/api/v3"
	coinPath            = "/coins/"
	trendingPath        = "/search/trending"
)

// CoinGeckoOptions parameterise the CoinGecko client.
type CoinGeckoOptions struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
	// RatePerMinute caps outgoing requests; the public tier allows roughly 30.
	RatePerMinute int
}

// CoinGecko fetches snapshots and trending coins from the CoinGecko REST API.
type CoinGecko struct {
	opts    CoinGeckoOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	now     func() time.Time
}

// NewCoinGecko constructs a CoinGecko client.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultCoinGeckoURL
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), opts.RatePerMinute)
	}

	return &CoinGecko{
		opts:    opts,
		logger:  logger.With().Str("component", "coingecko").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: limiter,
		now:     time.Now,
	}
}

// FetchSnapshot retrieves current market data for a coin id.
func (c *CoinGecko) FetchSnapshot(ctx context.Context, targetID string) (Snapshot, error) {
	id := strings.TrimSpace(targetID)
	if id == "" {
		return Snapshot{}, errors.New("coin id required")
	}

	query := url.Values{}
	query.Set("localization", "false")
	query.Set("tickers", "false")
	query.Set("market_data", "true")
	query.Set("community_data", "false")
	query.Set("developer_data", "false")
	query.Set("sparkline", "false")

	var res coinResponse
	if err := c.get(ctx, coinPath+url.PathEscape(id), query, &res); err != nil {
		return Snapshot{}, fmt.Errorf("fetch coin %s: %w", id, err)
	}

	md := res.MarketData
	snap := Snapshot{
		Target: alerting.Target{
			ID:     res.ID,
			Symbol: res.Symbol,
			Name:   res.Name,
		},
		PriceUSD:     md.CurrentPrice["usd"].Decimal,
		Change24hPct: md.PriceChange24hPct.Decimal,
		Change7dPct:  md.PriceChange7dPct.Decimal,
		MarketCapUSD: md.MarketCap["usd"].Decimal,
		Volume24hUSD: md.TotalVolume["usd"].Decimal,
		Rank:         res.MarketCapRank,
		FetchedAt:    c.now().UTC(),
	}
	if snap.Target.ID == "" {
		snap.Target.ID = id
	}
	return snap, nil
}

// FetchTrending retrieves the ranked trending list.
func (c *CoinGecko) FetchTrending(ctx context.Context) ([]TrendingCoin, error) {
	var res trendingResponse
	if err := c.get(ctx, trendingPath, nil, &res); err != nil {
		return nil, fmt.Errorf("fetch trending: %w", err)
	}

	coins := make([]TrendingCoin, 0, len(res.Coins))
	for i, entry := range res.Coins {
		if entry.Item.ID == "" {
			continue
		}
		coins = append(coins, TrendingCoin{
			ID:            entry.Item.ID,
			Symbol:        entry.Item.Symbol,
			Name:          entry.Item.Name,
			MarketCapRank: entry.Item.MarketCapRank,
			Position:      i + 1,
		})
	}
	return coins, nil
}

func (c *CoinGecko) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrTransientFetch, err)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "hypewatch/1.0")
	}
	if c.opts.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientFetch, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrTransientFetch, err)
	}

	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, payload)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type coinResponse struct {
	ID            string `json:"id"`
	Symbol        string `json:"symbol"`
	Name          string `json:"name"`
	MarketCapRank int    `json:"market_cap_rank"`
	MarketData    struct {
		CurrentPrice      map[string]decimal.NullDecimal `json:"current_price"`
		MarketCap         map[string]decimal.NullDecimal `json:"market_cap"`
		TotalVolume       map[string]decimal.NullDecimal `json:"total_volume"`
		PriceChange24hPct decimal.NullDecimal            `json:"price_change_percentage_24h"`
		PriceChange7dPct  decimal.NullDecimal            `json:"price_change_percentage_7d"`
	} `json:"market_data"`
}

type trendingResponse struct {
	Coins []struct {
		Item struct {
			ID            string `json:"id"`
			Name          string `json:"name"`
			Symbol        string `json:"symbol"`
			MarketCapRank int    `json:"market_cap_rank"`
		} `json:"item"`
	} `json:"coins"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Status struct {
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

// parseHTTPError classifies non-200 responses. Throttling and server errors are transient.
func parseHTTPError(status int, payload []byte) error {
	msg := strings.TrimSpace(string(payload))
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Status.ErrorMessage != "":
			msg = apiErr.Status.ErrorMessage
		case apiErr.Error != "":
			msg = apiErr.Error
		}
	}

	var err error
	if msg != "" {
		err = fmt.Errorf("coingecko api error (%d): %s", status, msg)
	} else {
		err = fmt.Errorf("coingecko api error (%d)", status)
	}

	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %w", ErrTransientFetch, err)
	}
	return err
}

var _ MarketDataProvider = (*CoinGecko)(nil)
