package claimcodes

import (
	"database/sql"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/repos/claimcodes"
)

var _ claimcodes.ClaimCodes = (*claimCodesRepo)(nil)

type claimCodesRepo struct{ db *sql.DB }

func New(db *sql.DB) *claimCodesRepo {
	return &claimCodesRepo{db: db}
}

const claimColumns = `code, program_id, status, recipient_name, recipient_email, recipient_external_id,
	campaign_ref, COALESCE(install_url, ''), COALESCE(member_id::text, ''), expires_at,
	created_at, installed_at, updated_at`

func scanClaim(row *sql.Row) (domain.ClaimCode, error) {
	var (
		c           domain.ClaimCode
		status      string
		expiresAt   sql.NullTime
		installedAt sql.NullTime
	)

	err := row.Scan(&c.Code, &c.ProgramID, &status, &c.Recipient.Name, &c.Recipient.Email,
		&c.Recipient.ExternalID, &c.CampaignRef, &c.InstallURL, &c.MemberID, &expiresAt,
		&c.CreatedAt, &installedAt, &c.UpdatedAt)
	if err != nil {
		return domain.ClaimCode{}, err //nolint:wrapcheck
	}

	c.Status = domain.ClaimStatus(status)
	c.ExpiresAt = timePtr(expiresAt)
	c.InstalledAt = timePtr(installedAt)

	return c, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	v := t.Time

	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}
