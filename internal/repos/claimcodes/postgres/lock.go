package claimcodes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/repos/claimcodes"
)

// Lock takes the row lock every status transition must hold.
func (r *claimCodesRepo) Lock(ctx context.Context, tx *sql.Tx, code string) (domain.ClaimCode, error) {
	c, err := scanClaim(tx.QueryRowContext(ctx, `
		SELECT `+claimColumns+`
		FROM claim_codes
		WHERE code = $1
		FOR UPDATE
	`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ClaimCode{}, claimcodes.ErrClaimNotFound
	}

	if err != nil {
		return domain.ClaimCode{}, fmt.Errorf("lock claim code: %w", err)
	}

	return c, nil
}
