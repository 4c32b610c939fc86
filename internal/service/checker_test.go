package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypewatch/internal/alerting"
	"hypewatch/internal/fetcher"
	"hypewatch/internal/storage"
)

func spikeSub(owner int64, coin string, threshold int64) storage.Subscription {
	return storage.Subscription{
		OwnerID:   owner,
		Kind:      alerting.KindMetricSpike,
		Target:    alerting.Target{ID: coin},
		Condition: alerting.MetricSpikeCondition{Threshold: decimal.NewFromInt(threshold)},
		Active:    true,
	}
}

func redFlagSub(owner int64, coin string) storage.Subscription {
	return storage.Subscription{
		OwnerID:   owner,
		Kind:      alerting.KindRedFlag,
		Target:    alerting.Target{ID: coin},
		Condition: alerting.RedFlagCondition{},
		Active:    true,
	}
}

func TestCheckerNoSubscriptionsIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.checker.RunCycle(context.Background()))
	assert.Empty(t, h.gateway.messages())
}

func TestCheckerSpikeNeedsBaselineThenRespectsCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.addUser(activeUser(1))
	h.store.addSub(spikeSub(1, "bitcoin", 20))

	// 第一轮只建立基线：hype 10
	h.provider.set(coinSnapshot("bitcoin", "btc", 5))
	require.NoError(t, h.checker.RunCycle(ctx))
	assert.Empty(t, h.gateway.messages(), "no previous value, nothing fires")

	// hype 10 -> 35，增量 25 >= 20
	h.provider.set(coinSnapshot("bitcoin", "btc", 17.5))
	require.NoError(t, h.checker.RunCycle(ctx))
	msgs := h.gateway.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1001), msgs[0].chatID)
	assert.Contains(t, msgs[0].text, "BTC")
	assert.Equal(t, 1, h.store.triggerCount(1))
	_, fired := h.cooldown.LastFired("1|metric_spike:bitcoin")
	assert.True(t, fired)

	// hype 35 -> 70 仍在冷却期内
	h.provider.set(coinSnapshot("bitcoin", "btc", 35))
	require.NoError(t, h.checker.RunCycle(ctx))
	assert.Len(t, h.gateway.messages(), 1, "suppressed inside the cooldown window")
	assert.Equal(t, 1, h.store.triggerCount(1))

	// 冷却结束：hype 70 -> 100
	h.clock.Advance(time.Hour)
	h.provider.set(coinSnapshot("bitcoin", "btc", 50))
	require.NoError(t, h.checker.RunCycle(ctx))
	assert.Len(t, h.gateway.messages(), 2)
	assert.Equal(t, 2, h.store.triggerCount(1))
}

func TestCheckerDeliveryFailureLeavesBookkeepingUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.addUser(activeUser(1))
	h.store.addSub(redFlagSub(1, "scamcoin"))
	h.provider.set(microCap("scamcoin"))

	h.gateway.setFail(true)
	require.NoError(t, h.checker.RunCycle(ctx))
	assert.Equal(t, 1, h.gateway.attempts)
	assert.Equal(t, 0, h.store.triggerCount(1))
	_, fired := h.cooldown.LastFired("1|red_flag:scamcoin")
	assert.False(t, fired, "a failed delivery must not consume the cooldown window")
	assert.Empty(t, h.sink.deliveries)

	h.gateway.setFail(false)
	require.NoError(t, h.checker.RunCycle(ctx))
	msgs := h.gateway.messages()
	require.Len(t, msgs, 1, "the same condition is retried on the next cycle")
	assert.Contains(t, msgs[0].text, "micro market cap")
	assert.Equal(t, 1, h.store.triggerCount(1))
	require.Len(t, h.sink.deliveries, 1)
	assert.Equal(t, alerting.SeverityHigh, h.sink.deliveries[0].Event.Severity)
}

func TestCheckerRedFlagUsesDayLongWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.addUser(activeUser(1))
	h.store.addSub(redFlagSub(1, "scamcoin"))
	h.provider.set(microCap("scamcoin"))

	require.NoError(t, h.checker.RunCycle(ctx))
	require.Len(t, h.gateway.messages(), 1)

	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.checker.RunCycle(ctx))
	assert.Len(t, h.gateway.messages(), 1, "still inside 24h after two hours")

	h.clock.Advance(22 * time.Hour)
	require.NoError(t, h.checker.RunCycle(ctx))
	assert.Len(t, h.gateway.messages(), 2)
}

func TestCheckerOwnerGates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	quiet := activeUser(1)
	quiet.QuietHours = alerting.QuietHours{Start: 9, End: 17} // clock is 12:00 UTC
	muted := activeUser(2)
	muted.NotificationsEnabled = false
	open := activeUser(3)
	wrapped := activeUser(4)
	wrapped.QuietHours = alerting.QuietHours{Start: 23, End: 8}

	for _, u := range []storage.User{quiet, muted, open, wrapped} {
		h.store.addUser(u)
		h.store.addSub(redFlagSub(u.ID, "scamcoin"))
	}
	h.provider.set(microCap("scamcoin"))

	require.NoError(t, h.checker.RunCycle(ctx))
	msgs := h.gateway.messages()
	chats := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		chats = append(chats, m.chatID)
	}
	assert.ElementsMatch(t, []int64{open.ChatID, wrapped.ChatID}, chats)
}

func TestCheckerQuietHoursUseConfiguredLocation(t *testing.T) {
	h := newHarness(t)
	h.checker.opts.Location = time.FixedZone("UTC+8", 8*3600) // 12:00 UTC is 20:00 local

	u := activeUser(1)
	u.QuietHours = alerting.QuietHours{Start: 19, End: 23}
	h.store.addUser(u)
	h.store.addSub(redFlagSub(1, "scamcoin"))
	h.provider.set(microCap("scamcoin"))

	require.NoError(t, h.checker.RunCycle(context.Background()))
	assert.Empty(t, h.gateway.messages())
}

func TestCheckerFetchFailureIsolatedPerTarget(t *testing.T) {
	h := newHarness(t)
	h.store.addUser(activeUser(1))
	h.store.addSub(redFlagSub(1, "good"))
	h.store.addSub(redFlagSub(1, "bad"))
	h.provider.set(microCap("good"))
	h.provider.failures["bad"] = fmt.Errorf("%w: status 503", fetcher.ErrTransientFetch)

	require.NoError(t, h.checker.RunCycle(context.Background()))
	msgs := h.gateway.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].text, "GOOD")
	assert.Equal(t, 1, h.store.triggerCount(1))
	assert.Equal(t, 0, h.store.triggerCount(2))
}

func TestCheckerNeverEvaluatesInactiveSubscriptions(t *testing.T) {
	h := newHarness(t)
	h.store.addUser(activeUser(1))
	sub := redFlagSub(1, "scamcoin")
	sub.Active = false
	h.store.addSub(sub)
	h.provider.set(microCap("scamcoin"))

	require.NoError(t, h.checker.RunCycle(context.Background()))
	assert.Empty(t, h.gateway.messages())
	assert.Zero(t, h.provider.callCount("scamcoin"), "inactive targets are not even fetched")
}

func TestCheckerSkipsUndecodableAndOrphanedSubscriptions(t *testing.T) {
	h := newHarness(t)
	h.store.addUser(activeUser(1))
	broken := redFlagSub(1, "scamcoin")
	broken.Condition = nil
	broken.ConditionErr = alerting.ErrInvalidCondition
	h.store.addSub(broken)
	h.store.addSub(redFlagSub(99, "scamcoin")) // owner 99 does not exist
	h.provider.set(microCap("scamcoin"))

	require.NoError(t, h.checker.RunCycle(context.Background()))
	assert.Empty(t, h.gateway.messages())
}

func TestCheckerCooldownIsPerOwner(t *testing.T) {
	h := newHarness(t)
	h.store.addUser(activeUser(1))
	h.store.addUser(activeUser(2))
	h.store.addSub(redFlagSub(1, "scamcoin"))
	h.store.addSub(redFlagSub(2, "scamcoin"))
	h.provider.set(microCap("scamcoin"))

	require.NoError(t, h.checker.RunCycle(context.Background()))
	assert.Len(t, h.gateway.messages(), 2, "one owner's cooldown never suppresses another's")
	assert.Equal(t, 1, h.provider.callCount("scamcoin"), "targets are fetched once per cycle")
}

func TestCheckerWildcardEvaluatesEverySnapshot(t *testing.T) {
	h := newHarness(t)
	h.store.addUser(activeUser(1))
	h.store.addUser(activeUser(2))
	h.store.addSub(redFlagSub(1, "alpha"))
	h.store.addSub(redFlagSub(1, "beta"))
	h.store.addSub(storage.Subscription{
		OwnerID:   2,
		Kind:      alerting.KindRedFlag,
		Condition: alerting.RedFlagCondition{},
		Active:    true,
	})
	h.provider.set(microCap("alpha"))
	h.provider.set(microCap("beta"))

	require.NoError(t, h.checker.RunCycle(context.Background()))
	var wildcard int
	for _, m := range h.gateway.messages() {
		if m.chatID == 1002 {
			wildcard++
		}
	}
	assert.Equal(t, 2, wildcard)
}

func TestCheckerPriceChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.addUser(activeUser(1))
	h.store.addSub(storage.Subscription{
		OwnerID:   1,
		Kind:      alerting.KindPriceChange,
		Target:    alerting.Target{ID: "ethereum"},
		Condition: alerting.PriceChangeCondition{ThresholdPercent: decimal.NewFromInt(10)},
		Active:    true,
	})

	snap := coinSnapshot("ethereum", "eth", 1)
	h.provider.set(snap)
	require.NoError(t, h.checker.RunCycle(ctx))

	snap.PriceUSD = decimal.NewFromInt(91)
	h.provider.set(snap)
	require.NoError(t, h.checker.RunCycle(ctx))
	assert.Empty(t, h.gateway.messages(), "-9% is below the threshold")

	snap.PriceUSD = decimal.NewFromInt(70)
	h.provider.set(snap)
	require.NoError(t, h.checker.RunCycle(ctx))
	msgs := h.gateway.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].text, "📉")
}

func TestCheckerTrendingEnterIsEdgeTriggered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.addUser(activeUser(1))
	h.store.addSub(storage.Subscription{
		OwnerID:   1,
		Kind:      alerting.KindTrendingEnter,
		Target:    alerting.Target{ID: "pepe", Symbol: "pepe"},
		Condition: alerting.TrendingEnterCondition{},
		Active:    true,
	})
	pepe := fetcher.TrendingCoin{ID: "pepe", Symbol: "PEPE", Name: "Pepe", Position: 3}
	other := fetcher.TrendingCoin{ID: "doge", Symbol: "DOGE", Name: "Dogecoin", Position: 1}

	h.provider.setTrending(other)
	require.NoError(t, h.checker.RunCycle(ctx))
	assert.Empty(t, h.gateway.messages())

	h.provider.setTrending(other, pepe)
	require.NoError(t, h.checker.RunCycle(ctx))
	msgs := h.gateway.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].text, "#3")

	// 仍在榜上：不重复触发
	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.checker.RunCycle(ctx))
	assert.Len(t, h.gateway.messages(), 1)

	h.provider.setTrending(other)
	require.NoError(t, h.checker.RunCycle(ctx))
	h.provider.setTrending(pepe)
	require.NoError(t, h.checker.RunCycle(ctx))
	assert.Len(t, h.gateway.messages(), 2, "re-entering the list fires again")
	assert.Zero(t, h.provider.callCount("pepe"), "trending alerts need no snapshot")
}

func TestCheckerTrendingFetchFailureSkipsTrendingOnly(t *testing.T) {
	h := newHarness(t)
	h.store.addUser(activeUser(1))
	h.store.addSub(storage.Subscription{
		OwnerID:   1,
		Kind:      alerting.KindTrendingEnter,
		Condition: alerting.TrendingEnterCondition{},
		Active:    true,
	})
	h.store.addSub(redFlagSub(1, "scamcoin"))
	h.provider.set(microCap("scamcoin"))
	h.provider.trendingErr = errors.New("rate limited")

	require.NoError(t, h.checker.RunCycle(context.Background()))
	msgs := h.gateway.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].text, "Red flags")
}

func TestCheckerIgnoresWhaleSubscriptions(t *testing.T) {
	h := newHarness(t)
	h.store.addUser(activeUser(1))
	h.store.addSub(storage.Subscription{
		OwnerID:   1,
		Kind:      alerting.KindWhaleMove,
		Target:    alerting.Target{ID: "ethereum", Symbol: "eth"},
		Condition: alerting.WhaleMoveCondition{ThresholdUSD: decimal.NewFromInt(1)},
		Active:    true,
	})

	require.NoError(t, h.checker.RunCycle(context.Background()))
	assert.Zero(t, h.provider.callCount("ethereum"))
	assert.Empty(t, h.gateway.messages())
}

func TestCheckerSweepsExpiredCooldowns(t *testing.T) {
	h := newHarness(t)
	h.cooldown.MarkFired("1|metric_spike:old", h.clock.Now().Add(-48*time.Hour))
	h.store.addUser(activeUser(1))
	h.store.addSub(spikeSub(1, "bitcoin", 20))
	h.provider.set(coinSnapshot("bitcoin", "btc", 5))

	require.NoError(t, h.checker.RunCycle(context.Background()))
	_, ok := h.cooldown.LastFired("1|metric_spike:old")
	assert.False(t, ok)
}
