package alerting

import (
	"strings"
	"testing"
)

func TestDetectMarketFlags(t *testing.T) {
	flags := DetectMarketFlags(MarketFigures{
		MarketCapUSD: dec("50000"),
		Volume24hUSD: dec("10"),
		Change24hPct: dec("-150"),
	})
	if len(flags) != 3 {
		t.Fatalf("应检测到 3 个异常, 实际 %v", flags)
	}

	flags = DetectMarketFlags(MarketFigures{
		MarketCapUSD: dec("1000000000"),
		Volume24hUSD: dec("6000000000"),
		Change24hPct: dec("4"),
	})
	if len(flags) != 1 || !strings.Contains(flags[0], "abnormal") {
		t.Fatalf("应只检测到成交量异常, 实际 %v", flags)
	}

	if flags := DetectMarketFlags(MarketFigures{MarketCapUSD: dec("1000000000"), Volume24hUSD: dec("50000000")}); len(flags) != 0 {
		t.Fatalf("正常市场不应报警, 实际 %v", flags)
	}
}

func TestRenderMessage(t *testing.T) {
	ev, _ := EvaluatePriceChange(testTarget, dec("80"), dec("100"), PriceChangeCondition{ThresholdPercent: dec("10")}, testAt)
	msg := RenderMessage(ev)
	for _, want := range []string{"PEPE", "📉", "-20.00%", "HIGH", "🚨"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("消息应包含 %q:\n%s", want, msg)
		}
	}

	whale, _ := EvaluateWhaleMove(testTarget, WhaleMove{Kind: "buy", AmountUSD: dec("7500000"), Hash: "0xabc"}, WhaleMoveCondition{ThresholdUSD: dec("1000000")}, testAt)
	msg = RenderMessage(whale)
	if !strings.Contains(msg, "bought") || !strings.Contains(msg, "7.50M") || !strings.Contains(msg, "0xabc") {
		t.Fatalf("鲸鱼消息不正确:\n%s", msg)
	}

	flags := []string{"1", "2", "3", "4", "5", "6", "7"}
	red, _ := EvaluateRedFlag(testTarget, flags, testAt)
	msg = RenderMessage(red)
	if !strings.Contains(msg, "🚨🚨🚨") || !strings.Contains(msg, "and 2 more") {
		t.Fatalf("red flag 消息不正确:\n%s", msg)
	}

	spike := Event{Kind: KindMetricSpike, Target: testTarget, Current: dec("60"), Change: dec("30"), Severity: SeverityMedium}
	if msg := RenderMessage(spike); !strings.Contains(msg, "n/a → 60.0") {
		t.Fatalf("缺少前值时应显示 n/a:\n%s", msg)
	}
}
