package programs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/repos/programs"
)

func (r *programsRepo) ByCredentialHash(ctx context.Context, keyHash string) (domain.Program, error) {
	p, err := scanProgram(r.db.QueryRowContext(ctx, `
		SELECT `+programColumns+`
		FROM program_credentials c
		JOIN programs p ON p.id = c.program_id
		WHERE c.key_hash = $1 AND NOT c.revoked
	`, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Program{}, programs.ErrCredentialNotFound
	}

	if err != nil {
		return domain.Program{}, fmt.Errorf("resolve credential: %w", err)
	}

	return p, nil
}
