package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecgard/peage/internal/account"
	"github.com/alecgard/peage/internal/api"
	"github.com/alecgard/peage/internal/auth"
	"github.com/alecgard/peage/internal/catalog"
	"github.com/alecgard/peage/internal/config"
	"github.com/alecgard/peage/internal/dispatch"
	"github.com/alecgard/peage/internal/downstream"
	"github.com/alecgard/peage/internal/ledger"
	"github.com/alecgard/peage/internal/metering"
	"github.com/alecgard/peage/internal/metrics"
	"github.com/alecgard/peage/internal/ratelimit"
	"github.com/alecgard/peage/internal/rpc"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Peage gateway server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	cat, err := catalog.Build(catalog.Builtin(catalog.Options{EnableKYC: cfg.Catalog.EnableKYC}))
	if err != nil {
		return err
	}
	slog.Info("catalog assembled", "tools", cat.Size(), "kyc_enabled", cfg.Catalog.EnableKYC)

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		stat := pool.Stat()
		return stat.TotalConns(), stat.IdleConns(), stat.AcquiredConns()
	})

	accountStore := account.NewStore(pool)
	meterStore := metering.NewStore(pool)
	collector := metering.NewCollector(meterStore, cfg.Metering.BatchSize, cfg.Metering.FlushInterval)
	collector.SetMetrics(m)
	go collector.Start(ctx)

	limiter := ratelimit.New(cfg.RateLimit.PerMinute, cfg.RateLimit.PerDay)
	resolver := auth.NewResolver(account.NewAuthAdapter(accountStore), limiter)
	resolver.SetMetrics(m)

	led := ledger.NewPG(pool)
	client := downstream.NewClient(cfg.Downstream)

	dispatcher := dispatch.New(cat, led, client, cfg.Downstream.MaxRetries)
	dispatcher.SetUsageRecorder(collector)
	dispatcher.SetMetrics(m)

	core := rpc.NewCore(resolver, cat, dispatcher, "peage", version)

	streams := api.NewStreamHub(core, resolver, cfg.Stream)
	streams.SetActiveGauge(m.ActiveStreams)
	go streams.Run(ctx)

	router := api.NewRouter(api.RouterDeps{
		Core:           core,
		Catalog:        cat,
		Streams:        streams,
		Accounts:       accountStore,
		Ledger:         led,
		MeterStore:     meterStore,
		Metrics:        m,
		AdminKeyHash:   cfg.Admin.KeyHash,
		StaleThreshold: cfg.Ledger.StaleHoldThreshold,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Version:        version,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	collector.Stop()

	return srv.Shutdown(shutdownCtx)
}
