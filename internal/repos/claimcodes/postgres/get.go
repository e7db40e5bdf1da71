package claimcodes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/repos/claimcodes"
)

func (r *claimCodesRepo) Get(ctx context.Context, code string) (domain.ClaimCode, error) {
	c, err := scanClaim(r.db.QueryRowContext(ctx, `
		SELECT `+claimColumns+`
		FROM claim_codes
		WHERE code = $1
	`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ClaimCode{}, claimcodes.ErrClaimNotFound
	}

	if err != nil {
		return domain.ClaimCode{}, fmt.Errorf("get claim code: %w", err)
	}

	return c, nil
}
