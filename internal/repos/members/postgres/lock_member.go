package members

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/repos/members"
)

func (r *membersRepo) LockMember(ctx context.Context, tx *sql.Tx, programID, externalID string) (domain.Member, error) {
	m, err := scanMember(tx.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM members
		WHERE program_id = $1 AND external_id = $2
		FOR UPDATE
	`, programID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Member{}, members.ErrMemberNotFound
	}

	if err != nil {
		return domain.Member{}, fmt.Errorf("lock member: %w", err)
	}

	return m, nil
}
