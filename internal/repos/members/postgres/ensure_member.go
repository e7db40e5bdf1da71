package members

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EnsureMember inserts a zero-balance BRONZE record if none exists and reports
// whether this call created it. A concurrent first touch blocks on the unique
// index until the other tx finishes, then sees the row.
func (r *membersRepo) EnsureMember(ctx context.Context, tx *sql.Tx, programID, externalID string) (bool, error) {
	var id string

	err := tx.QueryRowContext(ctx, `
		INSERT INTO members (id, program_id, external_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (program_id, external_id) DO NOTHING
		RETURNING id
	`, uuid.NewString(), programID, externalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("insert member: %w", err)
	}

	return true, nil
}
