package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alecgard/peage/internal/account"
	"github.com/alecgard/peage/internal/auth"
	"github.com/alecgard/peage/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a demo account with starting credits",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
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

	accountStore := account.NewStore(pool)

	// Check if seed has already run.
	existing, err := accountStore.List(ctx, 1, time.Time{})
	if err != nil {
		return fmt.Errorf("checking existing accounts: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("accounts already exist, skipping seed")
		return nil
	}

	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}

	acct, err := accountStore.Create(ctx, account.CreateParams{
		Email:          "demo@example.com",
		Name:           "demo-account",
		KeyHash:        apiKey.Hash,
		KeyPrefix:      apiKey.Prefix,
		InitialBalance: 100,
	})
	if err != nil {
		return fmt.Errorf("creating demo account: %w", err)
	}

	slog.Info("created demo account", "id", acct.ID, "email", acct.Email, "balance", acct.Balance)
	fmt.Printf("\n=== Demo Account Seeded ===\n")
	fmt.Printf("Account:   %s (%s)\n", acct.Name, acct.ID)
	fmt.Printf("Balance:   %d credits\n", acct.Balance)
	fmt.Printf("API Key:   %s\n", plaintext)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl http://localhost:8080/tools\n")
	fmt.Printf("  curl -X POST -H 'Authorization: Bearer %s' -d '{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"tools/call\",\"params\":{\"name\":\"check_whatsapp\",\"arguments\":{\"phone\":\"+14155550123\"}}}' http://localhost:8080/rpc\n", plaintext)

	return nil
}
