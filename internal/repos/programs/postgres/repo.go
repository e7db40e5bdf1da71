package programs

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/repos/programs"
	"github.com/shopspring/decimal"
)

var _ programs.Programs = (*programsRepo)(nil)

type programsRepo struct{ db *sql.DB }

func New(db *sql.DB) *programsRepo {
	return &programsRepo{db: db}
}

const programColumns = `p.id, p.name, p.status, p.silver_cutoff, p.gold_cutoff, p.platinum_cutoff,
	p.points_multiplier::text, p.enrollment_bonus, p.budget_ceiling_minor, p.mail_piece_cost_minor,
	p.claim_ttl_seconds, p.created_at`

func scanProgram(row *sql.Row) (domain.Program, error) {
	var (
		p          domain.Program
		status     string
		multiplier string
		ttlSeconds int64
	)

	err := row.Scan(&p.ID, &p.Name, &status, &p.Thresholds.Silver, &p.Thresholds.Gold,
		&p.Thresholds.Platinum, &multiplier, &p.EnrollmentBonus, &p.BudgetCeiling,
		&p.MailPieceCost, &ttlSeconds, &p.CreatedAt)
	if err != nil {
		return domain.Program{}, err //nolint:wrapcheck
	}

	p.Status = domain.ProgramStatus(status)
	p.ClaimTTL = time.Duration(ttlSeconds) * time.Second

	p.PointsMultiplier, err = decimal.NewFromString(multiplier)
	if err != nil {
		return domain.Program{}, fmt.Errorf("program %s multiplier: %w", p.ID, err)
	}

	return p, nil
}
