package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"dsc-engine/internal/storage"
)

// Export renders historical health snapshots as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snapshots, err := store.ListSnapshotsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		a.Logger.Info().Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(snapshots, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snapshots)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// downsampleSnapshots thins the series per account so each account keeps at
// most max evenly spaced points.
func downsampleSnapshots(snapshots []storage.HealthSnapshot, max int) []storage.HealthSnapshot {
	if max <= 0 {
		return snapshots
	}

	byAccount := groupByAccount(snapshots)

	result := make([]storage.HealthSnapshot, 0, len(snapshots))
	for _, series := range byAccount {
		if len(series) <= max {
			result = append(result, series...)
			continue
		}
		step := float64(len(series)-1) / float64(max-1)
		for i := 0; i < max; i++ {
			idx := int(math.Round(step * float64(i)))
			if idx >= len(series) {
				idx = len(series) - 1
			}
			result = append(result, series[idx])
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Bucket.Equal(result[j].Bucket) {
			return result[i].Account.Hex() < result[j].Account.Hex()
		}
		return result[i].Bucket.Before(result[j].Bucket)
	})
	return result
}

func groupByAccount(snapshots []storage.HealthSnapshot) map[string][]storage.HealthSnapshot {
	byAccount := make(map[string][]storage.HealthSnapshot)
	for _, snapshot := range snapshots {
		key := snapshot.Account.Hex()
		byAccount[key] = append(byAccount[key], snapshot)
	}
	for _, series := range byAccount {
		sort.Slice(series, func(i, j int) bool { return series[i].Bucket.Before(series[j].Bucket) })
	}
	return byAccount
}

func writeSnapshotsCSV(path string, snapshots []storage.HealthSnapshot) error {
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

	header := []string{"bucket_ts", "account", "collateral_usd", "debt", "health_factor", "status"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, snapshot := range snapshots {
		health := "inf"
		if snapshot.HealthFactor != nil {
			health = snapshot.HealthFactor.String()
		}
		record := []string{
			snapshot.Bucket.Format(time.RFC3339),
			snapshot.Account.Hex(),
			snapshot.CollateralUsd.String(),
			snapshot.Debt.String(),
			health,
			snapshot.Status,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSnapshotsPNG(path string, snapshots []storage.HealthSnapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	byAccount := groupByAccount(snapshots)

	accounts := make([]string, 0, len(byAccount))
	for account := range byAccount {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)

	series := make([]chart.Series, 0, len(accounts)+1)
	for _, account := range accounts {
		x := make([]time.Time, 0, len(byAccount[account]))
		y := make([]float64, 0, len(byAccount[account]))
		for _, snapshot := range byAccount[account] {
			// Debt-free accounts have no finite health factor to plot.
			if snapshot.HealthFactor == nil {
				continue
			}
			x = append(x, snapshot.Bucket)
			y = append(y, snapshot.HealthFactor.InexactFloat64())
		}
		if len(x) == 0 {
			continue
		}
		series = append(series, chart.TimeSeries{
			Name:    shortAddress(account),
			XValues: x,
			YValues: y,
		})
	}
	if len(series) == 0 {
		return errors.New("no finite health factors to plot")
	}

	healthFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Health Factor",
			ValueFormatter: healthFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func shortAddress(hex string) string {
	if len(hex) <= 10 {
		return hex
	}
	return hex[:6] + ".." + hex[len(hex)-4:]
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
