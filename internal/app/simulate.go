package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"hypewatch/internal/alerting"
)

// SimulateOptions describe a synthetic alert.
type SimulateOptions struct {
	Kind   alerting.Kind
	ChatID int64
	Coin   string
	Symbol string
}

// SimulateAlert 构造一次合成事件，并通过当前网关发送到指定会话。
// No cooldown or trigger bookkeeping is touched.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if opts.ChatID == 0 {
		return errors.New("chat id 不能为空")
	}

	ev, err := syntheticEvent(opts, time.Now())
	if err != nil {
		return err
	}

	gateway, err := a.newGateway()
	if err != nil {
		return err
	}

	text := alerting.RenderMessage(ev)
	sendCtx := ctx
	if timeout := a.Config.Alerting.DeliveryTimeout; timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := gateway.Send(sendCtx, opts.ChatID, text); err != nil {
		return err
	}

	a.Logger.Info().Str("kind", ev.Kind.String()).Int64("chat_id", opts.ChatID).Str("severity", string(ev.Severity)).Msg("simulated alert sent")
	return nil
}

// syntheticEvent feeds the kind's default condition an observation that crosses it.
func syntheticEvent(opts SimulateOptions, at time.Time) (alerting.Event, error) {
	cond, err := alerting.DefaultCondition(opts.Kind)
	if err != nil {
		return alerting.Event{}, err
	}

	target := alerting.Target{ID: opts.Coin, Symbol: opts.Symbol}
	if target.ID == "" {
		target.ID = "bitcoin"
	}
	if target.Symbol == "" {
		target.Symbol = strings.ToUpper(target.ID)
	}

	in := alerting.Input{Target: target}
	switch c := cond.(type) {
	case alerting.MetricSpikeCondition:
		in.Previous = decimal.NewNullDecimal(decimal.NewFromInt(40))
		in.Current = decimal.NewFromInt(40).Add(c.Threshold)
	case alerting.MetricDropCondition:
		in.Previous = decimal.NewNullDecimal(decimal.NewFromInt(80))
		in.Current = decimal.NewFromInt(80).Sub(c.Threshold)
	case alerting.PriceChangeCondition:
		base := decimal.NewFromInt(100)
		in.Previous = decimal.NewNullDecimal(base)
		in.Current = base.Add(c.ThresholdPercent.Mul(decimal.NewFromInt(2)))
	case alerting.WhaleMoveCondition:
		in.Whale = &alerting.WhaleMove{
			Hash:      "0xsimulated",
			Kind:      "buy",
			AmountUSD: c.ThresholdUSD.Mul(decimal.NewFromInt(2)),
			Amount:    decimal.NewFromInt(500),
			FromLabel: "unknown wallet",
			ToLabel:   "binance",
			Timestamp: at.Unix(),
		}
	case alerting.TrendingEnterCondition:
		in.IsTrending = true
		in.TrendRank = 1
	case alerting.RedFlagCondition:
		in.Flags = alerting.DetectMarketFlags(alerting.MarketFigures{
			MarketCapUSD: decimal.NewFromInt(50_000),
			Volume24hUSD: decimal.NewFromInt(10),
			Change24hPct: decimal.NewFromInt(150),
		})
	}

	ev, ok := alerting.Fire(cond, in, at)
	if !ok {
		return alerting.Event{}, fmt.Errorf("synthetic %s observation did not fire", opts.Kind)
	}
	return ev, nil
}
