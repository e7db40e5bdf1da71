package members

import (
	"context"
	"database/sql"
	"errors"

	"github.com/fastprodman/loyaltyledger/internal/domain"
)

var ErrMemberNotFound = errors.New("member not found")

// Members persists ledger records. Mutating calls run inside the caller's tx;
// LockMember takes the row lock that serializes every balance mutation.
type Members interface {
	EnsureMember(ctx context.Context, tx *sql.Tx, programID, externalID string) (bool, error)
	LockMember(ctx context.Context, tx *sql.Tx, programID, externalID string) (domain.Member, error)
	GetMember(ctx context.Context, programID, externalID string) (domain.Member, error)
	UpdateMember(ctx context.Context, tx *sql.Tx, m domain.Member) error
}
