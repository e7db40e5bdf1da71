package claimcodes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/repos/claimcodes"
)

// Insert adds an ISSUED code. A colliding code yields ErrDuplicateCode and
// leaves tx usable, so the caller can retry with a fresh code.
func (r *claimCodesRepo) Insert(ctx context.Context, tx *sql.Tx, c domain.ClaimCode) (domain.ClaimCode, error) {
	if c.Status == "" {
		c.Status = domain.ClaimIssued
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO claim_codes (code, program_id, status, recipient_name, recipient_email,
		                         recipient_external_id, campaign_ref, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (code) DO NOTHING
		RETURNING created_at, updated_at
	`, c.Code, c.ProgramID, string(c.Status), c.Recipient.Name, c.Recipient.Email,
		c.Recipient.ExternalID, c.CampaignRef, nullTime(c.ExpiresAt)).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ClaimCode{}, claimcodes.ErrDuplicateCode
		}

		return domain.ClaimCode{}, fmt.Errorf("insert claim code: %w", err)
	}

	return c, nil
}
