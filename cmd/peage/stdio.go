package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecgard/peage/internal/account"
	"github.com/alecgard/peage/internal/auth"
	"github.com/alecgard/peage/internal/catalog"
	"github.com/alecgard/peage/internal/config"
	"github.com/alecgard/peage/internal/dispatch"
	"github.com/alecgard/peage/internal/downstream"
	"github.com/alecgard/peage/internal/ledger"
	"github.com/alecgard/peage/internal/metering"
	"github.com/alecgard/peage/internal/ratelimit"
	"github.com/alecgard/peage/internal/rpc"
	"github.com/alecgard/peage/internal/stdio"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve a single session over stdin/stdout",
	Long: "Serves newline-delimited JSON-RPC on stdin/stdout for agent hosts " +
		"that exec the gateway directly. The credential is read once from the " +
		"PEAGE_API_KEY environment variable; logs go to stderr.",
	RunE: runStdio,
}

func init() {
	rootCmd.AddCommand(stdioCmd)
}

func runStdio(cmd *cobra.Command, args []string) error {
	// Stdout carries the protocol stream; all logging goes to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}

	cat, err := catalog.Build(catalog.Builtin(catalog.Options{EnableKYC: cfg.Catalog.EnableKYC}))
	if err != nil {
		return err
	}

	accountStore := account.NewStore(pool)
	meterStore := metering.NewStore(pool)
	collector := metering.NewCollector(meterStore, cfg.Metering.BatchSize, cfg.Metering.FlushInterval)
	go collector.Start(ctx)
	defer collector.Stop()

	// One caller owns the whole pipe session, so the per-request limiter
	// stays on: a runaway local agent is throttled like a remote one.
	limiter := ratelimit.New(cfg.RateLimit.PerMinute, cfg.RateLimit.PerDay)
	resolver := auth.NewResolver(account.NewAuthAdapter(accountStore), limiter)

	dispatcher := dispatch.New(cat, ledger.NewPG(pool), downstream.NewClient(cfg.Downstream), cfg.Downstream.MaxRetries)
	dispatcher.SetUsageRecorder(collector)

	core := rpc.NewCore(resolver, cat, dispatcher, "peage", version)

	credential := os.Getenv("PEAGE_API_KEY")
	if credential == "" {
		slog.Info("PEAGE_API_KEY not set, serving guest session")
	}

	slog.Info("stdio session starting", "tools", cat.Size())
	return stdio.New(core, os.Stdin, os.Stdout, credential).Run(ctx)
}
