package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/api"
	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/infra/logging"
	"github.com/fastprodman/loyaltyledger/internal/infra/pgutils"
	"github.com/fastprodman/loyaltyledger/internal/infra/ratelimit"
	"github.com/fastprodman/loyaltyledger/internal/infra/wallet"
	"github.com/fastprodman/loyaltyledger/internal/services/budget"
	"github.com/fastprodman/loyaltyledger/internal/services/claims"
	"github.com/fastprodman/loyaltyledger/internal/services/gateway"
	"github.com/fastprodman/loyaltyledger/internal/services/ledger"
	"github.com/fastprodman/loyaltyledger/internal/store"
	memstore "github.com/fastprodman/loyaltyledger/internal/store/memory"
	pgstore "github.com/fastprodman/loyaltyledger/internal/store/postgres"
	"github.com/fastprodman/loyaltyledger/pkg/envconf"
	"github.com/fastprodman/loyaltyledger/pkg/shutdownqueue"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const demoAPIKey = "dev-pos-key"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error running api: %v\n", err)
		//nolint:gocritic
		os.Exit(1)
	}
}

func run(ctx context.Context) (retErr error) {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg := new(apiConfig)

	err = envconf.Load(cfg)
	if err != nil {
		return fmt.Errorf("init config: %w", err)
	}

	logging.SetupJSON(cfg.LogLevel)

	err = cfg.validate()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	sq := shutdownqueue.New()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		serr := sq.Shutdown(shutdownCtx)
		if serr != nil {
			retErr = errors.Join(retErr, serr)
		}
	}()

	// --- Infra ---
	st, err := openStore(ctx, cfg, sq)
	if err != nil {
		return err
	}

	limiter, err := openLimiter(ctx, cfg, sq)
	if err != nil {
		return err
	}

	provisioner, err := wallet.New(cfg.Wallet)
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}

	// --- Services ---
	engine := ledger.New(st)
	guard := budget.New(st, cfg.Ledger.ConfirmationPhrase)
	claimsMgr := claims.New(st, engine, guard, provisioner).WithRedeemLockWait(cfg.redeemLockWait())
	gw := gateway.New(st, engine, claimsMgr, limiter)

	// --- HTTP server ---
	srv := api.NewServer(cfg.Port, api.NewRouter(gw, cfg.CORSOrigins))

	sq.Add("http server", func(c context.Context) error {
		err := srv.Shutdown(c)
		if err != nil {
			return fmt.Errorf("shutdown srv: %w", err)
		}

		return nil
	})

	errCh := make(chan error, 1)

	go func() {
		serr := srv.ListenAndServe()
		// http.ErrServerClosed is the normal path during Shutdown
		if serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			errCh <- serr
			return
		}

		errCh <- nil
	}()

	slog.Info("API started", "port", cfg.Port, "store", cfg.StoreDriver,
		"rate_limit_backend", cfg.RateLimit.Backend, "wallet_driver", cfg.Wallet.Driver)

	select {
	case <-ctx.Done():
		return nil
	case serr := <-errCh:
		if serr != nil {
			return fmt.Errorf("server error: %w", serr)
		}

		return nil
	}
}

func openStore(ctx context.Context, cfg *apiConfig, sq *shutdownqueue.Queue) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return nil, errors.New("PG_DSN is required with STORE_DRIVER=postgres")
		}

		db, err := pgutils.OpenDB(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}

		sq.Add("postgres pool", func(context.Context) error {
			return db.Close() //nolint:wrapcheck
		})

		return pgstore.New(db, cfg.Postgres.LockTimeout), nil
	case "memory":
		s := memstore.New(cfg.Postgres.LockTimeout)
		seedDemo(s)

		slog.Warn("using in-memory store; data is lost on exit", "api_key", demoAPIKey)

		return s, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// seedDemo mirrors the dev seed migration so both drivers accept the same key.
func seedDemo(s *memstore.Store) {
	s.PutProgram(domain.Program{
		ID:               "demo",
		Name:             "Demo Coffee Club",
		Status:           domain.ProgramActive,
		Thresholds:       domain.Thresholds{Silver: 1000, Gold: 5000, Platinum: 20000},
		PointsMultiplier: decimal.NewFromInt(10),
		EnrollmentBonus:  50,
		BudgetCeiling:    500_000,
		MailPieceCost:    85,
		ClaimTTL:         30 * 24 * time.Hour,
		CreatedAt:        time.Now().UTC(),
	})
	s.PutCredential(gateway.HashKey(demoAPIKey), "demo")
}

func openLimiter(ctx context.Context, cfg *apiConfig, sq *shutdownqueue.Queue) (ratelimit.Limiter, error) {
	var client *redis.Client

	if cfg.RateLimit.Backend == "redis" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		err := client.Ping(pingCtx).Err()
		if err != nil {
			_ = client.Close()

			return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}

		sq.Add("redis client", func(context.Context) error {
			return client.Close() //nolint:wrapcheck
		})
	}

	l, err := ratelimit.New(cfg.RateLimit, client)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	return l, nil
}
