// Package store is the transactional boundary the ledger services run
// against. Implementations live in store/postgres and store/memory.
package store

import (
	"context"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/repos/claimcodes"
	"github.com/fastprodman/loyaltyledger/internal/repos/members"
	"github.com/fastprodman/loyaltyledger/internal/repos/programs"
	"github.com/fastprodman/loyaltyledger/internal/repos/transactions"
)

// Sentinels shared by every implementation.
var (
	ErrMemberNotFound     = members.ErrMemberNotFound
	ErrProgramNotFound    = programs.ErrProgramNotFound
	ErrCredentialNotFound = programs.ErrCredentialNotFound
	ErrClaimNotFound      = claimcodes.ErrClaimNotFound
	ErrDuplicateCode      = claimcodes.ErrDuplicateCode
	ErrDuplicateEntry     = transactions.ErrDuplicateEntry
)

// Store opens atomic units of work and serves unlocked reads.
type Store interface {
	// WithTx runs fn in one transaction. A nil return commits; anything else
	// rolls back every write fn made and releases every lock it took.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Program(ctx context.Context, programID string) (domain.Program, error)
	ProgramByCredential(ctx context.Context, keyHash string) (domain.Program, error)
	Member(ctx context.Context, programID, externalID string) (domain.Member, error)
	Entries(ctx context.Context, memberID string) ([]domain.Entry, error)
	ClaimCode(ctx context.Context, code string) (domain.ClaimCode, error)
	PurgeIdempotency(ctx context.Context, olderThan time.Time) (int64, error)
}

// Tx is the set of operations available inside WithTx. Lock* calls take an
// exclusive row lock held until the unit ends. Lock waits are bounded and
// surface as domain.ErrConflict.
type Tx interface {
	Program(ctx context.Context, programID string) (domain.Program, error)

	EnsureMember(ctx context.Context, programID, externalID string) (bool, error)
	LockMember(ctx context.Context, programID, externalID string) (domain.Member, error)
	UpdateMember(ctx context.Context, m domain.Member) error
	AppendEntry(ctx context.Context, e domain.Entry) (domain.Entry, error)

	InsertClaimCode(ctx context.Context, c domain.ClaimCode) (domain.ClaimCode, error)
	LockClaimCode(ctx context.Context, code string) (domain.ClaimCode, error)
	UpdateClaimCode(ctx context.Context, c domain.ClaimCode) error
	// ExpireDueClaimCodes skips rows other units hold. A non-positive limit
	// expires every due code.
	ExpireDueClaimCodes(ctx context.Context, now time.Time, limit int) ([]string, error)

	ClaimIdempotency(ctx context.Context, key domain.IdempotencyKey, operation string) (domain.IdempotencyRecord, bool, error)
	CompleteIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error
}

type lockWaitKey struct{}

// WithLockWait overrides the row-lock wait for transactions opened with the
// returned context. Use it for units that hold a lock across a slow external
// call, so waiters outlast the holder instead of failing with a conflict.
func WithLockWait(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, lockWaitKey{}, d)
}

// LockWait returns the wait set by WithLockWait, or def.
func LockWait(ctx context.Context, def time.Duration) time.Duration {
	d, ok := ctx.Value(lockWaitKey{}).(time.Duration)
	if !ok || d <= 0 {
		return def
	}

	return d
}
