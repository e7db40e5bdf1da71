package claimcodes

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/domain"
)

var (
	ErrClaimNotFound = errors.New("claim code not found")
	ErrDuplicateCode = errors.New("duplicate claim code")
)

// ClaimCodes persists single-use enrollment grants. Rows are never deleted.
type ClaimCodes interface {
	Insert(ctx context.Context, tx *sql.Tx, c domain.ClaimCode) (domain.ClaimCode, error)
	Lock(ctx context.Context, tx *sql.Tx, code string) (domain.ClaimCode, error)
	Get(ctx context.Context, code string) (domain.ClaimCode, error)
	Update(ctx context.Context, tx *sql.Tx, c domain.ClaimCode) error
	// ExpireIssuedBefore moves ISSUED codes whose expiry is at or before now to
	// EXPIRED, skipping rows another tx currently holds, and returns the codes.
	// A non-positive limit expires every due code.
	ExpireIssuedBefore(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]string, error)
}
