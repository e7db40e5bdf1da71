package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/config"
	"github.com/fastprodman/loyaltyledger/internal/infra/logging"
	"github.com/fastprodman/loyaltyledger/internal/infra/pgutils"
	"github.com/fastprodman/loyaltyledger/internal/infra/wallet"
	"github.com/fastprodman/loyaltyledger/internal/services/budget"
	"github.com/fastprodman/loyaltyledger/internal/services/claims"
	"github.com/fastprodman/loyaltyledger/internal/services/ledger"
	"github.com/fastprodman/loyaltyledger/internal/services/sweeper"
	pgstore "github.com/fastprodman/loyaltyledger/internal/store/postgres"
	"github.com/fastprodman/loyaltyledger/pkg/envconf"
	"github.com/joho/godotenv"
)

type sweeperConfig struct {
	LogLevel  slog.Level `env:"APP_LOG_LEVEL" default:"INFO"`
	BatchSize int        `env:"SWEEP_BATCH_SIZE" default:"500"`
	// Interval of zero runs a single sweep and exits, for cron-style scheduling.
	Interval time.Duration `env:"SWEEP_INTERVAL" default:"0s"`

	Postgres config.PostgresConfig
	Ledger   config.LedgerConfig
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx)
	if err != nil {
		slog.Error("sweeper failed", "error", err)
		//nolint:gocritic
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg := new(sweeperConfig)

	err = envconf.Load(cfg)
	if err != nil {
		return fmt.Errorf("init config: %w", err)
	}

	logging.SetupJSON(cfg.LogLevel)

	if cfg.Postgres.DSN == "" {
		return errors.New("PG_DSN is required")
	}

	db, err := pgutils.OpenDB(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	//nolint:errcheck
	defer db.Close()

	st := pgstore.New(db, cfg.Postgres.LockTimeout)
	// Expiry never provisions, so the static driver is enough here.
	cm := claims.New(st, ledger.New(st), budget.New(st, cfg.Ledger.ConfirmationPhrase), wallet.NewStatic(""))
	sw := sweeper.New(cm, st, cfg.Ledger.IdempotencyTTL, cfg.BatchSize)

	if cfg.Interval > 0 {
		slog.Info("sweeper started", "interval", cfg.Interval.String(), "batch_size", cfg.BatchSize)
		sw.Run(ctx, cfg.Interval)

		return nil
	}

	rep, err := sw.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	slog.Info("sweep finished", "expired_claims", rep.ExpiredClaims, "purged_keys", rep.PurgedKeys)

	return nil
}
