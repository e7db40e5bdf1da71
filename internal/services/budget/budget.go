// Package budget is the pre-flight spend gate consulted before bulk claim
// code issuance.
package budget

import (
	"context"
	"errors"
	"fmt"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/store"
	"github.com/shopspring/decimal"
)

type Disposition string

const (
	WithinBudget Disposition = "WITHIN_BUDGET"
	NearBudget   Disposition = "NEAR_BUDGET"
	OverBudget   Disposition = "OVER_BUDGET"
)

var (
	nearPct = decimal.NewFromInt(80)
	fullPct = decimal.NewFromInt(100)
)

// Decision is the outcome of a budget check. Utilization is a percentage of
// the ceiling; it stays zero when the ceiling itself is zero.
type Decision struct {
	Disposition   Disposition     `json:"disposition"`
	EstimatedCost int64           `json:"estimatedCost"`
	Ceiling       int64           `json:"ceiling"`
	Utilization   decimal.Decimal `json:"utilizationPct"`
	Overage       int64           `json:"overage,omitempty"`
	Overridden    bool            `json:"overridden,omitempty"`
}

// ProgramReader is the slice of the store the guard needs.
type ProgramReader interface {
	Program(ctx context.Context, programID string) (domain.Program, error)
}

type Guard struct {
	programs ProgramReader
	phrase   string
}

// New returns a Guard. An empty phrase disables overrides entirely.
func New(programs ProgramReader, phrase string) *Guard {
	return &Guard{programs: programs, phrase: phrase}
}

// Evaluate classifies estimate against ceiling without any override logic.
func Evaluate(ceiling, estimate int64) Decision {
	d := Decision{EstimatedCost: estimate, Ceiling: ceiling, Disposition: WithinBudget}

	if ceiling <= 0 {
		if estimate > 0 {
			d.Disposition = OverBudget
			d.Overage = estimate - ceiling
		}

		return d
	}

	scaled := decimal.NewFromInt(estimate).Mul(fullPct)
	limit := decimal.NewFromInt(ceiling)
	d.Utilization = scaled.DivRound(limit, 2)

	switch {
	case estimate > ceiling:
		d.Disposition = OverBudget
		d.Overage = estimate - ceiling
	case scaled.GreaterThanOrEqual(limit.Mul(nearPct)):
		d.Disposition = NearBudget
	}

	return d
}

// CheckBudget reads the program ceiling and gates the estimate. Over budget
// without the exact confirmation phrase fails with BUDGET_EXCEEDED carrying
// the overage; with it the decision is returned marked Overridden.
func (g *Guard) CheckBudget(ctx context.Context, programID string, estimate int64, confirmation string) (Decision, error) {
	return g.CheckBudgetWith(ctx, g.programs, programID, estimate, confirmation)
}

// CheckBudgetWith is CheckBudget reading the program through r. Callers inside
// a unit of work pass their store.Tx so no second connection is needed.
func (g *Guard) CheckBudgetWith(ctx context.Context, r ProgramReader, programID string, estimate int64, confirmation string) (Decision, error) {
	if estimate < 0 {
		return Decision{}, domain.Invalid("estimated cost must not be negative")
	}

	p, err := r.Program(ctx, programID)
	if err != nil {
		if errors.Is(err, store.ErrProgramNotFound) {
			return Decision{}, domain.ErrProgramNotFound
		}

		return Decision{}, fmt.Errorf("read program: %w", domain.Classify(err))
	}

	d := Evaluate(p.BudgetCeiling, estimate)
	if d.Disposition != OverBudget {
		return d, nil
	}

	if g.phrase == "" || confirmation != g.phrase {
		return d, domain.BudgetExceeded(estimate, p.BudgetCeiling)
	}

	d.Overridden = true

	return d, nil
}
