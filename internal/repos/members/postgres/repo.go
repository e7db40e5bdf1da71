package members

import (
	"database/sql"
	"fmt"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/repos/members"
)

var _ members.Members = (*membersRepo)(nil)

type membersRepo struct{ db *sql.DB }

func New(db *sql.DB) *membersRepo {
	return &membersRepo{db: db}
}

const memberColumns = `id, program_id, external_id, balance, cumulative_spend, tier, status,
	COALESCE(pass_url, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (domain.Member, error) {
	var (
		m      domain.Member
		tier   string
		status string
	)

	err := row.Scan(&m.ID, &m.ProgramID, &m.ExternalID, &m.Balance, &m.CumulativeSpend,
		&tier, &status, &m.PassURL, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return domain.Member{}, err //nolint:wrapcheck
	}

	m.Tier, err = domain.ParseTier(tier)
	if err != nil {
		return domain.Member{}, fmt.Errorf("member %s: %w", m.ID, err)
	}

	m.Status = domain.MemberStatus(status)

	return m, nil
}
