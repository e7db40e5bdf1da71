// Package store implements the ledger store on Postgres by composing the
// per-table repos under one *sql.Tx.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/infra/pgutils"
	"github.com/fastprodman/loyaltyledger/internal/repos/claimcodes"
	pgclaimcodes "github.com/fastprodman/loyaltyledger/internal/repos/claimcodes/postgres"
	"github.com/fastprodman/loyaltyledger/internal/repos/idempotency"
	pgidempotency "github.com/fastprodman/loyaltyledger/internal/repos/idempotency/postgres"
	"github.com/fastprodman/loyaltyledger/internal/repos/members"
	pgmembers "github.com/fastprodman/loyaltyledger/internal/repos/members/postgres"
	"github.com/fastprodman/loyaltyledger/internal/repos/programs"
	pgprograms "github.com/fastprodman/loyaltyledger/internal/repos/programs/postgres"
	"github.com/fastprodman/loyaltyledger/internal/repos/transactions"
	pgtransactions "github.com/fastprodman/loyaltyledger/internal/repos/transactions/postgres"
	"github.com/fastprodman/loyaltyledger/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	db       *sql.DB
	opts     pgutils.TxOptions
	members  members.Members
	entries  transactions.Transactions
	keys     idempotency.Keys
	programs programs.Programs
	claims   claimcodes.ClaimCodes
}

// New builds a Store. lockTimeout bounds every row-lock wait inside WithTx.
func New(db *sql.DB, lockTimeout time.Duration) *Store {
	return &Store{
		db:       db,
		opts:     pgutils.TxOptions{LockTimeout: lockTimeout},
		members:  pgmembers.New(db),
		entries:  pgtransactions.New(db),
		keys:     pgidempotency.New(db),
		programs: pgprograms.New(db),
		claims:   pgclaimcodes.New(db),
	}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	opts := s.opts
	opts.LockTimeout = store.LockWait(ctx, opts.LockTimeout)

	err := pgutils.WithTx(ctx, s.db, opts, func(sqlTx *sql.Tx) error {
		return fn(&pgTx{s: s, tx: sqlTx})
	})

	return classify(err)
}

func (s *Store) Program(ctx context.Context, programID string) (domain.Program, error) {
	p, err := s.programs.GetProgram(ctx, programID)

	return p, classify(err)
}

func (s *Store) ProgramByCredential(ctx context.Context, keyHash string) (domain.Program, error) {
	p, err := s.programs.ByCredentialHash(ctx, keyHash)

	return p, classify(err)
}

func (s *Store) Member(ctx context.Context, programID, externalID string) (domain.Member, error) {
	m, err := s.members.GetMember(ctx, programID, externalID)

	return m, classify(err)
}

func (s *Store) Entries(ctx context.Context, memberID string) ([]domain.Entry, error) {
	e, err := s.entries.ListByMember(ctx, memberID)

	return e, classify(err)
}

func (s *Store) ClaimCode(ctx context.Context, code string) (domain.ClaimCode, error) {
	c, err := s.claims.Get(ctx, code)

	return c, classify(err)
}

func (s *Store) PurgeIdempotency(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := s.keys.Purge(ctx, olderThan)

	return n, classify(err)
}

// classify tags lock timeouts, serialization failures and deadlocks as
// domain.ErrConflict. Everything else is returned as is.
func classify(err error) error {
	if err == nil || errors.Is(err, domain.ErrConflict) {
		return err
	}

	if pgutils.IsContention(err) {
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	}

	return err
}
