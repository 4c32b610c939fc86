package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"hypewatch/internal/storage"
)

// Export renders the trending history as CSV and/or a PNG rank chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.TrendingInterval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	snapshots, err := store.ListTrendingSnapshotsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		a.Logger.Info().Msg("no trending snapshots found for export window")
		return nil
	}

	downsampled := downsample(snapshots, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snapshots)).Int("exported", len(downsampled)).Msg("exporting trending history")

	if opts.CSVPath != "" {
		if err := writeTrendingCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		coins := opts.ChartCoins
		if coins <= 0 {
			coins = a.Config.Export.ChartCoins
		}
		if err := writeTrendingPNG(opts.PNGPath, downsampled, coins); err != nil {
			return err
		}
	}

	return nil
}

// downsample picks max evenly spaced items, always keeping the first and last.
func downsample[T any](items []T, max int) []T {
	if max <= 0 || len(items) <= max {
		return items
	}
	if max == 1 {
		return items[len(items)-1:]
	}

	result := make([]T, 0, max)
	step := float64(len(items)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(items) {
			idx = len(items) - 1
		}
		result = append(result, items[idx])
	}
	return result
}

var trendingCSVHeader = []string{"captured_at", "source", "position", "coin_id", "symbol", "name", "market_cap_rank"}

// trendingRows flattens snapshots into one row per listed coin.
func trendingRows(snapshots []storage.TrendingSnapshot) [][]string {
	var rows [][]string
	for _, snap := range snapshots {
		for _, coin := range snap.Coins {
			mcr := ""
			if coin.MarketCapRank > 0 {
				mcr = strconv.Itoa(coin.MarketCapRank)
			}
			rows = append(rows, []string{
				snap.CreatedAt.UTC().Format(time.RFC3339),
				snap.Source,
				strconv.Itoa(coin.Position),
				coin.ID,
				strings.ToUpper(coin.Symbol),
				sanitizeInline(coin.Name),
				mcr,
			})
		}
	}
	return rows
}

func writeTrendingCSV(path string, snapshots []storage.TrendingSnapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(trendingCSVHeader); err != nil {
		return err
	}
	for _, record := range trendingRows(snapshots) {
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// rankSeries is one coin's trending position over time.
type rankSeries struct {
	Symbol    string
	Times     []time.Time
	Positions []float64
}

// buildRankSeries follows the coins listed in the newest snapshot, up to limit.
// A coin missing from a snapshot is plotted one place below the longest list.
func buildRankSeries(snapshots []storage.TrendingSnapshot, limit int) []rankSeries {
	if len(snapshots) == 0 {
		return nil
	}

	ordered := make([]storage.TrendingSnapshot, len(snapshots))
	copy(ordered, snapshots)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	offList := 0
	for _, snap := range ordered {
		if len(snap.Coins) > offList {
			offList = len(snap.Coins)
		}
	}
	offList++

	latest := ordered[len(ordered)-1].Coins
	if limit > 0 && len(latest) > limit {
		latest = latest[:limit]
	}

	series := make([]rankSeries, 0, len(latest))
	for _, coin := range latest {
		rs := rankSeries{Symbol: strings.ToUpper(coin.Symbol)}
		if rs.Symbol == "" {
			rs.Symbol = coin.ID
		}
		for _, snap := range ordered {
			pos := offList
			for _, c := range snap.Coins {
				if c.ID == coin.ID {
					pos = c.Position
					break
				}
			}
			rs.Times = append(rs.Times, snap.CreatedAt)
			rs.Positions = append(rs.Positions, float64(pos))
		}
		series = append(series, rs)
	}
	return series
}

func writeTrendingPNG(path string, snapshots []storage.TrendingSnapshot, coins int) error {
	series := buildRankSeries(snapshots, coins)
	if len(series) == 0 {
		return errors.New("no coins to chart")
	}
	if len(series[0].Times) < 2 {
		return errors.New("at least two snapshots are needed to draw a chart")
	}

	if err := ensureDir(path); err != nil {
		return err
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Trending position",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
	}
	for _, s := range series {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    s.Symbol,
			XValues: s.Times,
			YValues: s.Positions,
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
