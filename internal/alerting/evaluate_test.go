package alerting

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var (
	testAt     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testTarget = Target{ID: "pepe", Symbol: "pepe", Name: "Pepe"}
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestMetricSpike(t *testing.T) {
	cond := MetricSpikeCondition{Threshold: dec("20")}

	ev, ok := EvaluateMetricSpike(testTarget, dec("35"), dec("10"), cond, testAt)
	if !ok {
		t.Fatal("delta 25 >= 20 应触发")
	}
	if !ev.Change.Equal(dec("25")) {
		t.Fatalf("change 应为 25, 实际 %s", ev.Change)
	}
	if ev.Severity != SeverityMedium {
		t.Fatalf("25 < 30 应为 medium, 实际 %s", ev.Severity)
	}

	ev, ok = EvaluateMetricSpike(testTarget, dec("40"), dec("10"), cond, testAt)
	if !ok || ev.Severity != SeverityHigh {
		t.Fatalf("delta 30 应为 high, got ok=%v severity=%s", ok, ev.Severity)
	}

	if _, ok := EvaluateMetricSpike(testTarget, dec("29.99"), dec("10"), cond, testAt); ok {
		t.Fatal("delta 19.99 不应触发")
	}
	if _, ok := EvaluateMetricSpike(testTarget, dec("30"), dec("10"), cond, testAt); !ok {
		t.Fatal("delta 恰好等于阈值应触发")
	}
}

func TestMetricDrop(t *testing.T) {
	cond := MetricDropCondition{Threshold: dec("20")}

	ev, ok := EvaluateMetricDrop(testTarget, dec("50"), dec("80"), cond, testAt)
	if !ok {
		t.Fatal("drop 30 应触发")
	}
	if !ev.Change.Equal(dec("-30")) || ev.Severity != SeverityHigh {
		t.Fatalf("unexpected event: change=%s severity=%s", ev.Change, ev.Severity)
	}

	if _, ok := EvaluateMetricDrop(testTarget, dec("80"), dec("50"), cond, testAt); ok {
		t.Fatal("上涨不应触发 drop")
	}
}

func TestPriceChange(t *testing.T) {
	cond := PriceChangeCondition{ThresholdPercent: dec("10")}

	if _, ok := EvaluatePriceChange(testTarget, dec("91"), dec("100"), cond, testAt); ok {
		t.Fatal("-9% 不应触发")
	}

	ev, ok := EvaluatePriceChange(testTarget, dec("80"), dec("100"), cond, testAt)
	if !ok {
		t.Fatal("-20% 应触发")
	}
	if !ev.Change.Equal(dec("-20")) {
		t.Fatalf("change 应为 -20, 实际 %s", ev.Change)
	}
	if ev.Severity != SeverityHigh {
		t.Fatalf("|20| >= 2*10 应为 high, 实际 %s", ev.Severity)
	}
	if ev.Detail(DetailDirection) != DirectionDown {
		t.Fatalf("direction 应为 down, 实际 %q", ev.Detail(DetailDirection))
	}
	if ev.DedupKey != "price_change:pepe:down" {
		t.Fatalf("dedup key 不正确: %s", ev.DedupKey)
	}

	up, ok := EvaluatePriceChange(testTarget, dec("115"), dec("100"), cond, testAt)
	if !ok || up.Severity != SeverityMedium || up.Detail(DetailDirection) != DirectionUp {
		t.Fatalf("+15%% 应为 medium up, got ok=%v %+v", ok, up)
	}
}

func TestPriceChangeZeroPrevious(t *testing.T) {
	cond := PriceChangeCondition{ThresholdPercent: dec("1")}
	for _, current := range []string{"0", "1", "1000000"} {
		if _, ok := EvaluatePriceChange(testTarget, dec(current), decimal.Zero, cond, testAt); ok {
			t.Fatalf("previous=0 时不应触发 (current=%s)", current)
		}
	}
}

func TestWhaleMove(t *testing.T) {
	cond := WhaleMoveCondition{ThresholdUSD: dec("1000000")}

	ev, ok := EvaluateWhaleMove(testTarget, WhaleMove{Kind: "sell", AmountUSD: dec("5000000")}, cond, testAt)
	if !ok || ev.Severity != SeverityHigh {
		t.Fatalf("5M >= 5x1M 应为 high, got ok=%v severity=%s", ok, ev.Severity)
	}
	if ev.DedupKey != "whale_move:pepe:sell" {
		t.Fatalf("dedup key 应包含交易类型: %s", ev.DedupKey)
	}

	ev, ok = EvaluateWhaleMove(testTarget, WhaleMove{Kind: "buy", AmountUSD: dec("1500000")}, cond, testAt)
	if !ok || ev.Severity != SeverityMedium {
		t.Fatalf("1.5M 应为 medium, got ok=%v severity=%s", ok, ev.Severity)
	}

	if _, ok := EvaluateWhaleMove(testTarget, WhaleMove{AmountUSD: dec("999999")}, cond, testAt); ok {
		t.Fatal("低于阈值不应触发")
	}
}

func TestTrendingEnterIsEdgeTriggered(t *testing.T) {
	cases := []struct {
		is, was bool
		fire    bool
	}{
		{true, false, true},
		{true, true, false},
		{false, true, false},
		{false, false, false},
	}
	for _, tc := range cases {
		ev, ok := EvaluateTrendingEnter(testTarget, tc.is, tc.was, 3, testAt)
		if ok != tc.fire {
			t.Fatalf("is=%v was=%v: fire=%v, want %v", tc.is, tc.was, ok, tc.fire)
		}
		if ok && ev.Severity != SeverityMedium {
			t.Fatalf("trending severity 应为 medium, 实际 %s", ev.Severity)
		}
	}
}

func TestRedFlag(t *testing.T) {
	if _, ok := EvaluateRedFlag(testTarget, nil, testAt); ok {
		t.Fatal("无 flag 不应触发")
	}

	ev, ok := EvaluateRedFlag(testTarget, []string{"a"}, testAt)
	if !ok || ev.Severity != SeverityHigh {
		t.Fatalf("单个 flag 应为 high, got %v %s", ok, ev.Severity)
	}

	ev, ok = EvaluateRedFlag(testTarget, []string{"a", "b", "c"}, testAt)
	if !ok || ev.Severity != SeverityCritical {
		t.Fatalf("三个 flag 应为 critical, got %v %s", ok, ev.Severity)
	}
}

type fakeSuppressor struct {
	suppressed map[string]bool
	windows    map[string]time.Duration
}

func (f *fakeSuppressor) IsSuppressed(key string, window time.Duration) bool {
	if f.windows == nil {
		f.windows = map[string]time.Duration{}
	}
	f.windows[key] = window
	return f.suppressed[key]
}

func TestEvaluatorAppliesScopedCooldown(t *testing.T) {
	sup := &fakeSuppressor{suppressed: map[string]bool{}}
	eval := NewEvaluator(sup, EvaluatorOptions{Now: func() time.Time { return testAt }})

	in := Input{Target: testTarget, Flags: []string{"a", "b", "c"}}
	ev, decision := eval.Evaluate(7, RedFlagCondition{}, in)
	if decision != DecisionFire {
		t.Fatalf("应触发, got %s", decision)
	}
	if ev.Cooldown != 24*time.Hour {
		t.Fatalf("red flag 冷却窗口应为 24h, 实际 %s", ev.Cooldown)
	}
	if ev.DedupKey != "7|red_flag:pepe" {
		t.Fatalf("dedup key 应带 owner 前缀: %s", ev.DedupKey)
	}
	if sup.windows[ev.DedupKey] != 24*time.Hour {
		t.Fatalf("冷却查询窗口不正确: %v", sup.windows)
	}
	if !ev.At.Equal(testAt) {
		t.Fatalf("事件时间应来自注入时钟")
	}

	sup.suppressed[ev.DedupKey] = true
	if _, decision := eval.Evaluate(7, RedFlagCondition{}, in); decision != DecisionSuppressed {
		t.Fatalf("冷却中应被抑制, got %s", decision)
	}
	if _, decision := eval.Evaluate(8, RedFlagCondition{}, in); decision != DecisionFire {
		t.Fatalf("其他用户不应受影响, got %s", decision)
	}
}

func TestEvaluatorWithoutBaselineDoesNotFire(t *testing.T) {
	eval := NewEvaluator(nil, EvaluatorOptions{})
	in := Input{Target: testTarget, Current: dec("90")}

	for _, cond := range []Condition{
		MetricSpikeCondition{Threshold: dec("1")},
		MetricDropCondition{Threshold: dec("1")},
		PriceChangeCondition{ThresholdPercent: dec("1")},
		WhaleMoveCondition{ThresholdUSD: dec("1")},
	} {
		if _, decision := eval.Evaluate(1, cond, in); decision != DecisionNone {
			t.Fatalf("%s 缺少前值时不应触发", cond.Kind())
		}
	}

	if w := eval.Window(KindPriceChange); w != time.Hour {
		t.Fatalf("默认冷却应为 1h, 实际 %s", w)
	}
}

func TestDecodeCondition(t *testing.T) {
	cond, err := DecodeCondition(KindPriceChange, []byte(`{"threshold_percent":"15"}`))
	if err != nil {
		t.Fatalf("decode 失败: %v", err)
	}
	pc, ok := cond.(PriceChangeCondition)
	if !ok || !pc.ThresholdPercent.Equal(dec("15")) {
		t.Fatalf("unexpected condition %#v", cond)
	}

	cond, err = DecodeCondition(KindMetricSpike, nil)
	if err != nil {
		t.Fatalf("空参数应返回默认值: %v", err)
	}
	if spike := cond.(MetricSpikeCondition); !spike.Threshold.Equal(dec("20")) {
		t.Fatalf("默认阈值应为 20, 实际 %s", spike.Threshold)
	}

	if _, err := DecodeCondition(KindWhaleMove, []byte(`{"threshold_usd":0}`)); !errors.Is(err, ErrInvalidCondition) {
		t.Fatalf("零阈值应被拒绝, got %v", err)
	}
	if _, err := DecodeCondition(KindMetricDrop, []byte(`{"threshold":`)); !errors.Is(err, ErrInvalidCondition) {
		t.Fatalf("非法 JSON 应被拒绝, got %v", err)
	}
	if _, err := DecodeCondition(Kind("bogus"), nil); err == nil {
		t.Fatal("未知类型应报错")
	}

	raw, err := EncodeCondition(WhaleMoveCondition{ThresholdUSD: dec("2500000")})
	if err != nil {
		t.Fatalf("encode 失败: %v", err)
	}
	back, err := DecodeCondition(KindWhaleMove, raw)
	if err != nil || !back.(WhaleMoveCondition).ThresholdUSD.Equal(dec("2500000")) {
		t.Fatalf("encode/decode 不一致: %s %v", raw, err)
	}
}

func TestConditionFromThreshold(t *testing.T) {
	cond, err := ConditionFromThreshold(KindWhaleMove, "3000000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cond.(WhaleMoveCondition).ThresholdUSD.Equal(dec("3000000")) {
		t.Fatalf("threshold 未生效: %#v", cond)
	}
	if _, err := ConditionFromThreshold(KindRedFlag, "3"); !errors.Is(err, ErrInvalidCondition) {
		t.Fatalf("red flag 不接受阈值, got %v", err)
	}
	if _, err := ConditionFromThreshold(KindPriceChange, "-5"); !errors.Is(err, ErrInvalidCondition) {
		t.Fatalf("负阈值应被拒绝, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("Metric-Spike")
	if err != nil || k != KindMetricSpike {
		t.Fatalf("ParseKind 失败: %v %s", err, k)
	}
	if _, err := ParseKind("nope"); err == nil {
		t.Fatal("未知类型应报错")
	}
	var names []string
	for _, k := range Kinds() {
		names = append(names, string(k))
	}
	if !strings.Contains(strings.Join(names, ","), "red_flag") {
		t.Fatal("Kinds 应包含 red_flag")
	}
}
