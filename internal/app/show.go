package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"dsc-engine/internal/storage"
)

// Show prints recent health snapshots, or the ledger event log when
// opts.Events is set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Events {
		return a.showEvents(ctx, store, opts.Limit)
	}
	return a.showSnapshots(ctx, store, opts.Limit)
}

func (a *App) showSnapshots(ctx context.Context, store storage.HealthSnapshotStore, limit int) error {
	snapshots, err := store.ListRecentSnapshots(ctx, limit)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(os.Stdout, "no snapshots found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Bucket (UTC)\tAccount\tCollateral USD\tDebt\tHealth Factor\tStatus")

	for _, snapshot := range snapshots {
		health := "inf"
		if snapshot.HealthFactor != nil {
			health = formatDecimal(*snapshot.HealthFactor, 4)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			snapshot.Bucket.UTC().Format(time.RFC3339),
			snapshot.Account.Hex(),
			formatDecimal(snapshot.CollateralUsd, 2),
			formatDecimal(snapshot.Debt, 2),
			health,
			snapshot.Status,
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showEvents(ctx context.Context, store storage.LedgerEventStore, limit int) error {
	events, err := store.ListRecentEvents(ctx, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stdout, "no events found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tKind\tAccount\tCounterparty\tToken\tAmount\tDebt Covered")

	for _, event := range events {
		covered := ""
		if event.DebtCovered != nil {
			covered = formatDecimal(*event.DebtCovered, 2)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			event.OccurredAt.UTC().Format(time.RFC3339),
			sanitizeInline(event.Kind),
			event.Account.Hex(),
			event.Counterparty.Hex(),
			event.Token.Hex(),
			formatDecimal(event.Amount, 4),
			covered,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
