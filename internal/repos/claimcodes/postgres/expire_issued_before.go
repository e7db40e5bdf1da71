package claimcodes

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (r *claimCodesRepo) ExpireIssuedBefore(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]string, error) {
	// LIMIT NULL is no limit
	lim := sql.NullInt64{Int64: int64(limit), Valid: limit > 0}

	rows, err := tx.QueryContext(ctx, `
		UPDATE claim_codes
		SET status = 'EXPIRED', updated_at = now()
		WHERE code IN (
			SELECT code
			FROM claim_codes
			WHERE status = 'ISSUED' AND expires_at IS NOT NULL AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING code
	`, now, lim)
	if err != nil {
		return nil, fmt.Errorf("expire claim codes: %w", err)
	}
	defer rows.Close()

	codes := make([]string, 0)

	for rows.Next() {
		var code string

		err = rows.Scan(&code)
		if err != nil {
			return nil, fmt.Errorf("scan code: %w", err)
		}

		codes = append(codes, code)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate codes: %w", err)
	}

	return codes, nil
}
