package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alecgard/peage/internal/config"
	"github.com/alecgard/peage/internal/ledger"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var reconcileRefund bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Report reservations stuck in the held state",
	Long: "Scans for reservations held longer than the configured threshold. " +
		"Stale holds indicate a crash between reserve and settle; pass --refund " +
		"to restore the held credits after operator review.",
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileRefund, "refund", false, "refund each stale hold instead of only reporting it")
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	led := ledger.NewPG(pool)

	holds, err := led.StaleHolds(ctx, cfg.Ledger.StaleHoldThreshold)
	if err != nil {
		return fmt.Errorf("scanning stale holds: %w", err)
	}

	if len(holds) == 0 {
		slog.Info("no stale holds found", "older_than", cfg.Ledger.StaleHoldThreshold)
		return nil
	}

	for _, h := range holds {
		if !reconcileRefund {
			slog.Warn("stale hold",
				"reservation", h.ID, "account", h.AccountID,
				"amount", h.Amount, "created_at", h.CreatedAt)
			continue
		}
		if err := led.Refund(ctx, h.ID); err != nil {
			slog.Error("refund failed", "reservation", h.ID, "error", err)
			continue
		}
		slog.Info("refunded stale hold",
			"reservation", h.ID, "account", h.AccountID, "amount", h.Amount)
	}

	action := "reported"
	if reconcileRefund {
		action = "refunded"
	}
	fmt.Printf("%s %d stale hold(s) older than %s\n", action, len(holds), cfg.Ledger.StaleHoldThreshold)
	return nil
}
