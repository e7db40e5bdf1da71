package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/api"
	"github.com/fastprodman/loyaltyledger/internal/config"
)

type apiConfig struct {
	Port            uint16        `env:"APP_PORT" default:"8080"`
	LogLevel        slog.Level    `env:"APP_LOG_LEVEL" default:"INFO"`
	ShutdownTimeout time.Duration `env:"APP_SHUTDOWN_TIMEOUT" default:"10s"`
	// StoreDriver is "postgres" or "memory". memory seeds a demo program and
	// loses everything on exit.
	StoreDriver string   `env:"STORE_DRIVER" default:"postgres"`
	CORSOrigins []string `env:"CORS_ALLOWED_ORIGINS" default:""`

	Postgres  config.PostgresConfig
	Redis     config.RedisConfig
	RateLimit config.RateLimitConfig
	Wallet    config.WalletConfig
	Ledger    config.LedgerConfig
}

// redeemLockWait lets a redeem queued behind another outlast that redeem's
// provider call plus its own row-lock budget.
func (c *apiConfig) redeemLockWait() time.Duration {
	return c.Wallet.Timeout + c.Postgres.LockTimeout
}

func (c *apiConfig) validate() error {
	if c.Wallet.Timeout <= 0 {
		return errors.New("WALLET_TIMEOUT must be positive")
	}

	if c.Postgres.LockTimeout <= 0 {
		return errors.New("PG_LOCK_TIMEOUT must be positive")
	}

	// worst case: wait out the holder, then provision ourselves
	worst := c.redeemLockWait() + c.Wallet.Timeout
	if worst >= api.WriteTimeout {
		return fmt.Errorf("WALLET_TIMEOUT %s and PG_LOCK_TIMEOUT %s let a claim redeem run %s, over the %s write timeout",
			c.Wallet.Timeout, c.Postgres.LockTimeout, worst, api.WriteTimeout)
	}

	return nil
}
