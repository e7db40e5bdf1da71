package transactions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fastprodman/loyaltyledger/internal/domain"
)

// ListByMember returns the member's entries in creation order.
func (r *transactionsRepo) ListByMember(ctx context.Context, memberID string) ([]domain.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, member_id, action, amount, prev_balance, new_balance,
		       COALESCE(idempotency_token, ''), COALESCE(external_ref, ''),
		       COALESCE(metadata::text, ''), created_at
		FROM transactions
		WHERE member_id = $1
		ORDER BY seq
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Entry, 0)

	for rows.Next() {
		var (
			e        domain.Entry
			action   string
			metadata string
		)

		err = rows.Scan(&e.ID, &e.MemberID, &action, &e.Amount, &e.PrevBalance, &e.NewBalance,
			&e.IdempotencyToken, &e.ExternalRef, &metadata, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}

		e.Action = domain.Action(action)
		if metadata != "" {
			e.Metadata = json.RawMessage(metadata)
		}

		out = append(out, e)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	return out, nil
}
