// Package config holds configuration blocks shared by the binaries under cmd/.
package config

import "time"

type PostgresConfig struct {
	DSN             string        `env:"PG_DSN" default:""`
	MaxOpenConns    int           `env:"PG_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `env:"PG_MAX_IDLE_CONNS" default:"10"`
	ConnMaxIdleTime time.Duration `env:"PG_CONN_MAX_IDLE_TIME" default:"5m"`
	ConnMaxLifetime time.Duration `env:"PG_CONN_MAX_LIFETIME" default:"30m"`
	// LockTimeout bounds row-lock waits inside a ledger transaction.
	LockTimeout time.Duration `env:"PG_LOCK_TIMEOUT" default:"2s"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" default:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD" default:""`
	DB       int    `env:"REDIS_DB" default:"0"`
}

type RateLimitConfig struct {
	// Backend is "memory" (single instance) or "redis" (shared across replicas).
	Backend   string        `env:"RATE_LIMIT_BACKEND" default:"memory"`
	PerWindow int64         `env:"RATE_LIMIT_PER_MINUTE" default:"100"`
	Window    time.Duration `env:"RATE_LIMIT_WINDOW" default:"1m"`
}

type WalletConfig struct {
	// Driver is "http" (real provider) or "static" (local development).
	Driver     string        `env:"WALLET_DRIVER" default:"static"`
	BaseURL    string        `env:"WALLET_BASE_URL" default:"http://localhost:8090"`
	SigningKey string        `env:"WALLET_SIGNING_KEY" default:""`
	Timeout    time.Duration `env:"WALLET_TIMEOUT" default:"5s"`
}

type LedgerConfig struct {
	IdempotencyTTL     time.Duration `env:"IDEMPOTENCY_TTL" default:"24h"`
	ConfirmationPhrase string        `env:"BUDGET_CONFIRMATION_PHRASE" default:"CONFIRM OVERSPEND"`
}
