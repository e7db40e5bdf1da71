package transactions

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/infra/pgutils"
	"github.com/fastprodman/loyaltyledger/internal/repos/transactions"
	"github.com/google/uuid"
)

// Append inserts e and returns it with the generated id and timestamp.
func (r *transactionsRepo) Append(ctx context.Context, tx *sql.Tx, e domain.Entry) (domain.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	var metadata any
	if len(e.Metadata) > 0 {
		metadata = string(e.Metadata)
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO transactions (id, member_id, action, amount, prev_balance, new_balance,
		                          idempotency_token, external_ref, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9::jsonb)
		RETURNING created_at
	`, e.ID, e.MemberID, string(e.Action), e.Amount, e.PrevBalance, e.NewBalance,
		e.IdempotencyToken, e.ExternalRef, metadata).Scan(&e.CreatedAt)
	if err != nil {
		if pgutils.IsUniqueViolation(err) {
			return domain.Entry{}, transactions.ErrDuplicateEntry
		}

		return domain.Entry{}, fmt.Errorf("insert entry: %w", err)
	}

	return e, nil
}
