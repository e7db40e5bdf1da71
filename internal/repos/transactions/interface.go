package transactions

import (
	"context"
	"database/sql"
	"errors"

	"github.com/fastprodman/loyaltyledger/internal/domain"
)

// ErrDuplicateEntry means the member already has an entry for the idempotency token.
var ErrDuplicateEntry = errors.New("duplicate ledger entry")

// Transactions is the append-only ledger log.
type Transactions interface {
	Append(ctx context.Context, tx *sql.Tx, e domain.Entry) (domain.Entry, error)
	ListByMember(ctx context.Context, memberID string) ([]domain.Entry, error)
}
