// Command migrate applies the embedded schema migrations and exits.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ledgerworks/wallet_ledger/internal/config"
	"github.com/ledgerworks/wallet_ledger/internal/infra"
	"github.com/ledgerworks/wallet_ledger/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL must be set to run migrations")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, infra.PoolOptions{MaxConns: 2})
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	applied, err := infra.Migrate(ctx, db, logger)
	if err != nil {
		logger.Error("apply migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("migrations complete", "applied", applied)
}
