package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultExchangeWallets are well known hot wallets watched for large movements.
var DefaultExchangeWallets = map[string][]string{
	"binance": {
		"0x28c6c06298d514db089934071355e5743bf21d60",
		"0x21a31ee1afc51d94c2efccaa2092ad1028285549",
	},
	"coinbase": {
		"0x71660c4005ba85c37ccec55d0c4493e66fe775d3",
		"0x503828976d22510aad0201ac7ec88293211d23da",
	},
	"kraken": {
		"0x2910543af39aba0cd09dbb2d50200b3e800a63d2",
	},
}

// ChainWhaleOptions parameterise the on-chain whale feed.
type ChainWhaleOptions struct {
	RPCURL string
	// Wallets maps an exchange label to its addresses.
	Wallets map[string][]string
	// BlockWindow is how many recent blocks are scanned per call.
	BlockWindow  uint64
	Timeout      time.Duration
	NativeCoinID string
	NativeSymbol string
}

type chainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
}

// ChainWhaleFeed reports native-coin transfers in and out of exchange wallets,
// valued in USD with the provider's spot price.
type ChainWhaleFeed struct {
	opts      ChainWhaleOptions
	logger    zerolog.Logger
	prices    MarketDataProvider
	labels    map[common.Address]string
	client    chainReader
	clientMux sync.Mutex
}

// NewChainWhaleFeed builds the feed. prices values the native coin.
func NewChainWhaleFeed(opts ChainWhaleOptions, prices MarketDataProvider, logger zerolog.Logger) *ChainWhaleFeed {
	if opts.Wallets == nil {
		opts.Wallets = DefaultExchangeWallets
	}
	if opts.BlockWindow == 0 {
		opts.BlockWindow = 20
	}
	if opts.NativeCoinID == "" {
		opts.NativeCoinID = "ethereum"
	}
	if opts.NativeSymbol == "" {
		opts.NativeSymbol = "ETH"
	}

	labels := make(map[common.Address]string)
	for label, addrs := range opts.Wallets {
		for _, addr := range addrs {
			if common.IsHexAddress(addr) {
				labels[common.HexToAddress(addr)] = label
			}
		}
	}

	return &ChainWhaleFeed{
		opts:   opts,
		logger: logger.With().Str("component", "whale_feed").Logger(),
		prices: prices,
		labels: labels,
	}
}

// ListRecentTransactions scans the newest blocks and returns qualifying transfers, newest first.
func (f *ChainWhaleFeed) ListRecentTransactions(ctx context.Context, minUSD decimal.Decimal, limit int) ([]Transaction, error) {
	if f.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if len(f.labels) == 0 {
		return nil, errors.New("no exchange wallets configured")
	}
	if f.prices == nil {
		return nil, errors.New("price provider not configured")
	}

	timeout := f.opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spot, err := f.prices.FetchSnapshot(ctx, f.opts.NativeCoinID)
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", f.opts.NativeCoinID, err)
	}
	if !spot.PriceUSD.IsPositive() {
		return nil, fmt.Errorf("%w: no usable %s price", ErrTransientFetch, f.opts.NativeCoinID)
	}

	client, err := f.getClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial rpc: %v", ErrTransientFetch, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id: %v", ErrTransientFetch, err)
	}
	signer := types.LatestSignerForChainID(chainID)

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: block number: %v", ErrTransientFetch, err)
	}

	var out []Transaction
	for i := uint64(0); i < f.opts.BlockWindow && i <= head; i++ {
		number := head - i
		block, err := client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return nil, fmt.Errorf("%w: block %d: %v", ErrTransientFetch, number, err)
		}

		for _, tx := range block.Transactions() {
			if tx.To() == nil || tx.Value().Sign() <= 0 {
				continue
			}
			from, err := types.Sender(signer, tx)
			if err != nil {
				continue
			}
			kind, fromLabel, toLabel, ok := f.classify(from, *tx.To())
			if !ok {
				continue
			}

			amount := decimal.NewFromBigInt(tx.Value(), -18)
			usd := amount.Mul(spot.PriceUSD)
			if usd.LessThan(minUSD) {
				continue
			}

			out = append(out, Transaction{
				Hash:      tx.Hash().Hex(),
				Symbol:    f.opts.NativeSymbol,
				Kind:      kind,
				Amount:    amount,
				AmountUSD: usd,
				From:      from.Hex(),
				To:        tx.To().Hex(),
				FromLabel: fromLabel,
				ToLabel:   toLabel,
				Timestamp: int64(block.Time()),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	f.logger.Debug().Uint64("head", head).Int("transactions", len(out)).Msg("scanned recent blocks")
	return out, nil
}

// classify labels a transfer relative to the watched wallets. Outflows from an
// exchange count as sells, inflows as buys, exchange-to-exchange as transfers.
func (f *ChainWhaleFeed) classify(from, to common.Address) (kind, fromLabel, toLabel string, ok bool) {
	fromLabel, fromKnown := f.labels[from]
	toLabel, toKnown := f.labels[to]

	switch {
	case fromKnown && toKnown:
		return TxTransfer, fromLabel, toLabel, true
	case fromKnown:
		return TxSell, fromLabel, shortAddress(to), true
	case toKnown:
		return TxBuy, shortAddress(from), toLabel, true
	default:
		return "", "", "", false
	}
}

func (f *ChainWhaleFeed) getClient(ctx context.Context) (chainReader, error) {
	f.clientMux.Lock()
	defer f.clientMux.Unlock()

	if f.client != nil {
		return f.client, nil
	}

	client, err := ethclient.DialContext(ctx, f.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	f.client = client
	return client, nil
}

func shortAddress(addr common.Address) string {
	hex := strings.ToLower(addr.Hex())
	return hex[:6] + "…" + hex[len(hex)-4:]
}

var _ WhaleFeed = (*ChainWhaleFeed)(nil)
