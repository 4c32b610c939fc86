package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"hypewatch/internal/app"
)

var (
	alertsChatID    int64
	alertsUsername  string
	alertsKind      string
	alertsCoin      string
	alertsSymbol    string
	alertsThreshold string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Manage alert subscriptions",
}

var alertsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a subscription for a chat",
	Long: "Create a subscription. Leave --coin empty to watch every coin. " +
		"--threshold applies to metric_spike, metric_drop, price_change (percent) and whale_move (USD).",
	RunE: func(cmd *cobra.Command, args []string) error {
		sub, err := getApp().AddAlert(cmd.Context(), app.AddAlertOptions{
			ChatID:    alertsChatID,
			Username:  alertsUsername,
			Kind:      alertsKind,
			Coin:      alertsCoin,
			Symbol:    alertsSymbol,
			Threshold: alertsThreshold,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "subscription %d created\n", sub.ID)
		return nil
	},
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the subscriptions of a chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListAlerts(cmd.Context(), alertsChatID)
	},
}

var alertsDeactivateCmd = &cobra.Command{
	Use:   "deactivate <subscription-id>",
	Short: "Deactivate a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid subscription id %q", args[0])
		}
		return getApp().DeactivateAlert(cmd.Context(), id)
	},
}

func init() {
	alertsAddCmd.Flags().Int64Var(&alertsChatID, "chat-id", 0, "Telegram chat id of the owner")
	alertsAddCmd.Flags().StringVar(&alertsUsername, "username", "", "Username recorded when the chat is new")
	alertsAddCmd.Flags().StringVar(&alertsKind, "kind", "", "Alert kind")
	alertsAddCmd.Flags().StringVar(&alertsCoin, "coin", "", "CoinGecko coin id (empty watches every coin)")
	alertsAddCmd.Flags().StringVar(&alertsSymbol, "symbol", "", "Ticker symbol")
	alertsAddCmd.Flags().StringVar(&alertsThreshold, "threshold", "", "Threshold (defaults per kind)")
	_ = alertsAddCmd.MarkFlagRequired("chat-id")
	_ = alertsAddCmd.MarkFlagRequired("kind")

	alertsListCmd.Flags().Int64Var(&alertsChatID, "chat-id", 0, "Telegram chat id of the owner")
	_ = alertsListCmd.MarkFlagRequired("chat-id")

	alertsCmd.AddCommand(alertsAddCmd, alertsListCmd, alertsDeactivateCmd)
}
