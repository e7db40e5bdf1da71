package members

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/repos/members"
)

// GetMember is an unlocked point-in-time read.
func (r *membersRepo) GetMember(ctx context.Context, programID, externalID string) (domain.Member, error) {
	m, err := scanMember(r.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM members
		WHERE program_id = $1 AND external_id = $2
	`, programID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Member{}, members.ErrMemberNotFound
	}

	if err != nil {
		return domain.Member{}, fmt.Errorf("get member: %w", err)
	}

	return m, nil
}
