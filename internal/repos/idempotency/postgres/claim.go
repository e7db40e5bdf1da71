package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/loyaltyledger/internal/domain"
)

func (r *keysRepo) Claim(ctx context.Context, tx *sql.Tx, key domain.IdempotencyKey, operation string) (domain.IdempotencyRecord, bool, error) {
	rec := domain.IdempotencyRecord{Key: key, Operation: operation}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (program_id, token, operation, response_status, response_body)
		VALUES ($1, $2, $3, 0, '')
		ON CONFLICT (program_id, token) DO NOTHING
		RETURNING created_at
	`, key.ProgramID, key.Token, operation).Scan(&rec.CreatedAt)
	if err == nil {
		return rec, true, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("insert key: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT operation, response_status, response_body, created_at
		FROM idempotency_keys
		WHERE program_id = $1 AND token = $2
	`, key.ProgramID, key.Token).Scan(&rec.Operation, &rec.Status, &rec.Body, &rec.CreatedAt)
	if err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("read existing key: %w", err)
	}

	return rec, false, nil
}
