package members

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/repos/members"
)

// UpdateMember writes back the mutable ledger columns of a locked row.
func (r *membersRepo) UpdateMember(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE members
		SET balance = $2,
		    cumulative_spend = $3,
		    tier = $4,
		    status = $5,
		    pass_url = NULLIF($6, ''),
		    updated_at = now()
		WHERE id = $1
	`, m.ID, m.Balance, m.CumulativeSpend, string(m.Tier), string(m.Status), m.PassURL)
	if err != nil {
		return fmt.Errorf("update member: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if n == 0 {
		return members.ErrMemberNotFound
	}

	return nil
}
