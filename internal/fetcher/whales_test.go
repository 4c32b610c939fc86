package fetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

type staticPrices struct {
	price decimal.Decimal
	err   error
}

func (p staticPrices) FetchSnapshot(_ context.Context, id string) (Snapshot, error) {
	return Snapshot{PriceUSD: p.price}, p.err
}

func (p staticPrices) FetchTrending(context.Context) ([]TrendingCoin, error) { return nil, nil }

type fakeChain struct {
	chainErr error
	head     uint64
	blocks   int
}

func (c *fakeChain) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1), c.chainErr
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) { return c.head, nil }

func (c *fakeChain) BlockByNumber(_ context.Context, n *big.Int) (*types.Block, error) {
	c.blocks++
	return types.NewBlockWithHeader(&types.Header{Number: n, Time: 1_700_000_000}), nil
}

func TestChainWhaleFeedMissingConfig(t *testing.T) {
	feed := NewChainWhaleFeed(ChainWhaleOptions{}, staticPrices{price: decimal.NewFromInt(3000)}, noopLogger())
	if _, err := feed.ListRecentTransactions(context.Background(), decimal.NewFromInt(1), 10); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}

	feed = NewChainWhaleFeed(ChainWhaleOptions{RPCURL: "http://localhost:8545"}, nil, noopLogger())
	if _, err := feed.ListRecentTransactions(context.Background(), decimal.NewFromInt(1), 10); err == nil {
		t.Fatal("缺少价格源时应报错")
	}
}

func TestChainWhaleFeedPriceAndChainFailures(t *testing.T) {
	opts := ChainWhaleOptions{RPCURL: "http://localhost:8545"}

	feed := NewChainWhaleFeed(opts, staticPrices{price: decimal.Zero}, noopLogger())
	feed.client = &fakeChain{}
	if _, err := feed.ListRecentTransactions(context.Background(), decimal.NewFromInt(1), 10); !errors.Is(err, ErrTransientFetch) {
		t.Fatalf("零价格应为临时错误, got %v", err)
	}

	feed = NewChainWhaleFeed(opts, staticPrices{price: decimal.NewFromInt(3000)}, noopLogger())
	feed.client = &fakeChain{chainErr: errors.New("rpc down")}
	if _, err := feed.ListRecentTransactions(context.Background(), decimal.NewFromInt(1), 10); !errors.Is(err, ErrTransientFetch) {
		t.Fatalf("RPC 失败应为临时错误, got %v", err)
	}
}

func TestChainWhaleFeedScansWindow(t *testing.T) {
	chain := &fakeChain{head: 100}
	feed := NewChainWhaleFeed(ChainWhaleOptions{RPCURL: "http://localhost:8545", BlockWindow: 5}, staticPrices{price: decimal.NewFromInt(3000)}, noopLogger())
	feed.client = chain

	txs, err := feed.ListRecentTransactions(context.Background(), decimal.NewFromInt(1), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("空区块不应产生交易: %v", txs)
	}
	if chain.blocks != 5 {
		t.Fatalf("应扫描 5 个区块, 实际 %d", chain.blocks)
	}

	chain = &fakeChain{head: 2}
	feed.client = chain
	if _, err := feed.ListRecentTransactions(context.Background(), decimal.NewFromInt(1), 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chain.blocks != 3 {
		t.Fatalf("区块高度不足时应扫描到创世块, 实际 %d", chain.blocks)
	}
}

func TestChainWhaleFeedClassify(t *testing.T) {
	feed := NewChainWhaleFeed(ChainWhaleOptions{}, nil, noopLogger())
	binance := common.HexToAddress("0x28c6c06298d514db089934071355e5743bf21d60")
	kraken := common.HexToAddress("0x2910543af39aba0cd09dbb2d50200b3e800a63d2")
	user := common.HexToAddress("0x1111111111111111111111111111111111111111")

	kind, from, _, ok := feed.classify(binance, user)
	if !ok || kind != TxSell || from != "binance" {
		t.Fatalf("交易所流出应为 sell: %s %s %v", kind, from, ok)
	}

	kind, _, to, ok := feed.classify(user, kraken)
	if !ok || kind != TxBuy || to != "kraken" {
		t.Fatalf("流入交易所应为 buy: %s %s %v", kind, to, ok)
	}

	if kind, _, _, ok := feed.classify(binance, kraken); !ok || kind != TxTransfer {
		t.Fatalf("交易所互转应为 transfer: %s", kind)
	}

	if _, _, _, ok := feed.classify(user, user); ok {
		t.Fatal("与交易所无关的转账应忽略")
	}
}
