// Package main implements the seed-plans CLI tool, which inserts the
// built-in subscription plans into the plans table.
//
// Existing plans are never overwritten, so operator edits to prices or
// features survive a re-run. The same operation is available to admins over
// HTTP at POST /v1/subscriptions/plans/ensure-defaults.
//
// Usage:
//
//	go run ./cmd/tools/seed-plans
//	go run ./cmd/tools/seed-plans --migrate
//	go run ./cmd/tools/seed-plans --dry-run --currency=USD
//
// The tool reads DATABASE_URL from environment variables (or .env file via
// godotenv). In --dry-run mode, it prints the default plan catalog as JSON
// without connecting to the database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"empowerher/internal/billing"
	"empowerher/internal/config"
	"empowerher/internal/db"
	"empowerher/internal/types"
)

func main() {
	currencyFlag := flag.String("currency", "", "ISO 4217 currency for plan prices (default: BILLING_CURRENCY or KES)")
	migrateFlag := flag.Bool("migrate", false, "Apply pending database migrations before seeding")
	dryRunFlag := flag.Bool("dry-run", false, "Print the default plans as JSON without writing")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: seed-plans [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Insert the built-in subscription plans, leaving existing rows untouched.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	_ = godotenv.Load()

	currency := resolveCurrency(*currencyFlag, os.Getenv("BILLING_CURRENCY"))

	if *dryRunFlag {
		if err := printPlans(os.Stdout, currency); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		fmt.Fprintf(os.Stderr, "error: DATABASE_URL is not set\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(ctx, dbURL, currency, *migrateFlag, logger); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dbURL, currency string, migrate bool, logger *slog.Logger) error {
	pool, err := db.Connect(ctx, config.DatabaseConfig{
		URL:               types.SecretString(dbURL),
		MaxConns:          2,
		MinConns:          1,
		MaxConnLifetime:   5 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ConnectRetries:    3,
	}, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if migrate {
		if err := db.Migrate(ctx, pool, logger); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	registry := billing.NewPlanRegistry(db.NewStore(pool, logger), currency, billing.DefaultFreeReports, logger)
	inserted, err := registry.EnsureDefaults(ctx)
	if err != nil {
		return fmt.Errorf("seeding plans: %w", err)
	}

	if len(inserted) == 0 {
		fmt.Println("All default plans already present; nothing inserted.")
		return nil
	}
	for _, name := range inserted {
		fmt.Printf("inserted plan %s\n", name)
	}
	return nil
}

// resolveCurrency prefers the flag, then the environment, then KES.
func resolveCurrency(flagValue, envValue string) string {
	switch {
	case flagValue != "":
		return flagValue
	case envValue != "":
		return envValue
	default:
		return "KES"
	}
}

// printPlans writes the default plan catalog for currency as indented JSON.
func printPlans(w io.Writer, currency string) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(billing.DefaultPlans(currency))
}
