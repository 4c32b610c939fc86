package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"hypewatch/internal/alerting"
	"hypewatch/internal/fetcher"
	"hypewatch/internal/notify"
	"hypewatch/internal/state"
	"hypewatch/internal/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeStore struct {
	mu        sync.Mutex
	subs      []storage.Subscription
	users     map[int64]storage.User
	triggered map[int64]int
	snapshots [][]storage.RankedCoin
	sources   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[int64]storage.User),
		triggered: make(map[int64]int),
	}
}

func (s *fakeStore) addUser(u storage.User) {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

func (s *fakeStore) addSub(sub storage.Subscription) {
	s.mu.Lock()
	if sub.ID == 0 {
		sub.ID = int64(len(s.subs) + 1)
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

func (s *fakeStore) ListActiveSubscriptions(ctx context.Context) ([]storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Subscription, len(s.subs))
	copy(out, s.subs)
	return out, nil
}

func (s *fakeStore) GetOwner(ctx context.Context, sub storage.Subscription) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[sub.OwnerID]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *fakeStore) MarkTriggered(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggered[id]++
	return nil
}

func (s *fakeStore) AppendTrendingSnapshot(ctx context.Context, coins []storage.RankedCoin, source string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, coins)
	s.sources = append(s.sources, source)
	return nil
}

func (s *fakeStore) triggerCount(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggered[id]
}

type fakeProvider struct {
	mu          sync.Mutex
	snapshots   map[string]fetcher.Snapshot
	failures    map[string]error
	trending    []fetcher.TrendingCoin
	trendingErr error
	calls       map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		snapshots: make(map[string]fetcher.Snapshot),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (p *fakeProvider) set(snap fetcher.Snapshot) {
	p.mu.Lock()
	p.snapshots[snap.Target.ID] = snap
	p.mu.Unlock()
}

func (p *fakeProvider) setTrending(coins ...fetcher.TrendingCoin) {
	p.mu.Lock()
	p.trending = coins
	p.mu.Unlock()
}

func (p *fakeProvider) FetchSnapshot(ctx context.Context, id string) (fetcher.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[id]++
	if err := p.failures[id]; err != nil {
		return fetcher.Snapshot{}, err
	}
	snap, ok := p.snapshots[id]
	if !ok {
		return fetcher.Snapshot{}, errors.New("unknown coin")
	}
	return snap, nil
}

func (p *fakeProvider) FetchTrending(ctx context.Context) ([]fetcher.TrendingCoin, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.trendingErr != nil {
		return nil, p.trendingErr
	}
	out := make([]fetcher.TrendingCoin, len(p.trending))
	copy(out, p.trending)
	return out, nil
}

func (p *fakeProvider) callCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

type sentMessage struct {
	chatID int64
	text   string
}

type fakeGateway struct {
	mu       sync.Mutex
	sent     []sentMessage
	attempts int
	fail     bool
}

func (g *fakeGateway) Send(ctx context.Context, chatID int64, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts++
	if g.fail {
		return errors.New("gateway down")
	}
	g.sent = append(g.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func (g *fakeGateway) setFail(fail bool) {
	g.mu.Lock()
	g.fail = fail
	g.mu.Unlock()
}

func (g *fakeGateway) messages() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]sentMessage, len(g.sent))
	copy(out, g.sent)
	return out
}

type fakeSink struct {
	mu         sync.Mutex
	deliveries []notify.Delivery
}

func (s *fakeSink) Publish(ctx context.Context, d notify.Delivery) error {
	s.mu.Lock()
	s.deliveries = append(s.deliveries, d)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) delivered() []notify.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Delivery(nil), s.deliveries...)
}

type fakeFeed struct {
	mu  sync.Mutex
	txs []fetcher.Transaction
	err error
}

func (f *fakeFeed) set(txs ...fetcher.Transaction) {
	f.mu.Lock()
	f.txs = txs
	f.mu.Unlock()
}

func (f *fakeFeed) ListRecentTransactions(ctx context.Context, minUSD decimal.Decimal, limit int) ([]fetcher.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]fetcher.Transaction, len(f.txs))
	copy(out, f.txs)
	return out, nil
}

// harness wires every loop against in-memory fakes with a shared clock.
type harness struct {
	clock    *testClock
	store    *fakeStore
	provider *fakeProvider
	gateway  *fakeGateway
	sink     *fakeSink
	feed     *fakeFeed
	cooldown *state.CooldownTracker
	checker  *AlertChecker
	whales   *WhaleMonitor
	trending *TrendingUpdater
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:    &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		store:    newFakeStore(),
		provider: newFakeProvider(),
		gateway:  &fakeGateway{},
		sink:     &fakeSink{},
		feed:     &fakeFeed{},
	}
	logger := zerolog.Nop()

	h.cooldown = state.NewCooldownTracker(h.clock.Now)
	evaluator := alerting.NewEvaluator(h.cooldown, alerting.EvaluatorOptions{
		DefaultCooldown: time.Hour,
		RedFlagCooldown: 24 * time.Hour,
		Now:             h.clock.Now,
	})
	dispatch := NewDispatcher(h.gateway, h.sink, h.cooldown, h.store, DispatcherOptions{
		Timeout: time.Second,
		Now:     h.clock.Now,
	}, logger)

	h.checker = NewAlertChecker(h.store, h.provider, evaluator, state.NewPreviousValueCache(), h.cooldown, dispatch, CheckerOptions{
		Concurrency:  4,
		FetchTimeout: time.Second,
		Location:     time.UTC,
		SweepAge:     24 * time.Hour,
		Now:          h.clock.Now,
	}, logger)
	h.whales = NewWhaleMonitor(h.store, h.feed, evaluator, dispatch, WhaleOptions{
		MinUSD:      decimal.NewFromInt(5_000_000),
		Limit:       10,
		PerOwnerCap: 3,
		Location:    time.UTC,
		Now:         h.clock.Now,
	}, logger)
	h.trending = NewTrendingUpdater(h.provider, h.store, TrendingOptions{TopN: 10, Now: h.clock.Now}, logger)
	return h
}

func activeUser(id int64) storage.User {
	return storage.User{
		ID:                   id,
		ChatID:               1000 + id,
		NotificationsEnabled: true,
		QuietHours:           alerting.NoQuietHours(),
	}
}

func coinSnapshot(id, symbol string, change24h float64) fetcher.Snapshot {
	return fetcher.Snapshot{
		Target:       alerting.Target{ID: id, Symbol: symbol, Name: id},
		PriceUSD:     decimal.NewFromInt(100),
		Change24hPct: decimal.NewFromFloat(change24h),
		MarketCapUSD: decimal.NewFromInt(1_000_000_000),
		Volume24hUSD: decimal.NewFromInt(50_000_000),
	}
}

// microCap yields exactly one red flag.
func microCap(id string) fetcher.Snapshot {
	snap := coinSnapshot(id, id, 1)
	snap.MarketCapUSD = decimal.NewFromInt(50_000)
	snap.Volume24hUSD = decimal.NewFromInt(10_000)
	return snap
}
