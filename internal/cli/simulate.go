package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"hypewatch/internal/alerting"
	"hypewatch/internal/app"
)

var (
	simulateKind   string
	simulateChatID int64
	simulateCoin   string
	simulateSymbol string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "渲染并发送一条合成告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateChatID == 0 {
			return errors.New("--chat-id 必须提供")
		}
		kind, err := alerting.ParseKind(simulateKind)
		if err != nil {
			return err
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Kind:   kind,
			ChatID: simulateChatID,
			Coin:   simulateCoin,
			Symbol: simulateSymbol,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateKind, "kind", string(alerting.KindMetricSpike), "告警类型 (metric_spike, metric_drop, price_change, whale_move, trending_enter, red_flag)")
	simulateCmd.Flags().Int64Var(&simulateChatID, "chat-id", 0, "接收消息的 Telegram chat id")
	simulateCmd.Flags().StringVar(&simulateCoin, "coin", "bitcoin", "CoinGecko coin id")
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "Ticker shown in the message (defaults to the coin id)")
}
