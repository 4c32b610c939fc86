package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"hypewatch/internal/storage"
)

// Show prints the most recent trending snapshots.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	snapshots, err := store.ListTrendingSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return printTrending(os.Stdout, snapshots)
}

func printTrending(out io.Writer, snapshots []storage.TrendingSnapshot) error {
	if len(snapshots) == 0 {
		_, err := fmt.Fprintln(out, "no trending snapshots found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSource\tCoins")
	for _, snap := range snapshots {
		fmt.Fprintf(writer, "%s\t%s\t%s\n",
			snap.CreatedAt.UTC().Format(time.RFC3339),
			snap.Source,
			formatCoins(snap.Coins),
		)
	}
	return writer.Flush()
}

// formatCoins renders "1.BTC 2.ETH ..." in list order.
func formatCoins(coins []storage.RankedCoin) string {
	parts := make([]string, 0, len(coins))
	for _, c := range coins {
		symbol := strings.ToUpper(c.Symbol)
		if symbol == "" {
			symbol = c.ID
		}
		parts = append(parts, fmt.Sprintf("%d.%s", c.Position, sanitizeInline(symbol)))
	}
	return strings.Join(parts, " ")
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
