package programs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/repos/programs"
)

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *programsRepo) GetProgram(ctx context.Context, programID string) (domain.Program, error) {
	return getProgram(ctx, r.db, programID)
}

func (r *programsRepo) GetProgramTx(ctx context.Context, tx *sql.Tx, programID string) (domain.Program, error) {
	return getProgram(ctx, tx, programID)
}

func getProgram(ctx context.Context, q rowQuerier, programID string) (domain.Program, error) {
	p, err := scanProgram(q.QueryRowContext(ctx, `
		SELECT `+programColumns+`
		FROM programs p
		WHERE p.id = $1
	`, programID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Program{}, programs.ErrProgramNotFound
	}

	if err != nil {
		return domain.Program{}, fmt.Errorf("get program: %w", err)
	}

	return p, nil
}
