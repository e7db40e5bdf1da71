package idempotency

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fastprodman/loyaltyledger/internal/domain"
)

func (r *keysRepo) Complete(ctx context.Context, tx *sql.Tx, rec domain.IdempotencyRecord) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET response_status = $3, response_body = $4
		WHERE program_id = $1 AND token = $2
	`, rec.Key.ProgramID, rec.Key.Token, rec.Status, rec.Body)
	if err != nil {
		return fmt.Errorf("store response: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if n != 1 {
		return fmt.Errorf("store response: key %s/%s was not claimed", rec.Key.ProgramID, rec.Key.Token)
	}

	return nil
}
