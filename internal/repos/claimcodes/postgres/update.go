package claimcodes

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/repos/claimcodes"
)

// Update persists a status transition of a locked code. The WHERE clause
// refuses to move a row out of a terminal state.
func (r *claimCodesRepo) Update(ctx context.Context, tx *sql.Tx, c domain.ClaimCode) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE claim_codes
		SET status = $2,
		    install_url = NULLIF($3, ''),
		    member_id = NULLIF($4, '')::uuid,
		    installed_at = $5,
		    updated_at = now()
		WHERE code = $1 AND status = 'ISSUED'
	`, c.Code, string(c.Status), c.InstallURL, c.MemberID, nullTime(c.InstalledAt))
	if err != nil {
		return fmt.Errorf("update claim code: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("update claim code %s: %w", c.Code, claimcodes.ErrClaimNotFound)
	}

	return nil
}
