package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/store"
)

var _ store.Tx = (*pgTx)(nil)

type pgTx struct {
	s  *Store
	tx *sql.Tx
}

func (t *pgTx) Program(ctx context.Context, programID string) (domain.Program, error) {
	p, err := t.s.programs.GetProgramTx(ctx, t.tx, programID)

	return p, classify(err)
}

func (t *pgTx) EnsureMember(ctx context.Context, programID, externalID string) (bool, error) {
	created, err := t.s.members.EnsureMember(ctx, t.tx, programID, externalID)

	return created, classify(err)
}

func (t *pgTx) LockMember(ctx context.Context, programID, externalID string) (domain.Member, error) {
	m, err := t.s.members.LockMember(ctx, t.tx, programID, externalID)

	return m, classify(err)
}

func (t *pgTx) UpdateMember(ctx context.Context, m domain.Member) error {
	return classify(t.s.members.UpdateMember(ctx, t.tx, m))
}

func (t *pgTx) AppendEntry(ctx context.Context, e domain.Entry) (domain.Entry, error) {
	out, err := t.s.entries.Append(ctx, t.tx, e)

	return out, classify(err)
}

func (t *pgTx) InsertClaimCode(ctx context.Context, c domain.ClaimCode) (domain.ClaimCode, error) {
	out, err := t.s.claims.Insert(ctx, t.tx, c)

	return out, classify(err)
}

func (t *pgTx) LockClaimCode(ctx context.Context, code string) (domain.ClaimCode, error) {
	c, err := t.s.claims.Lock(ctx, t.tx, code)

	return c, classify(err)
}

func (t *pgTx) UpdateClaimCode(ctx context.Context, c domain.ClaimCode) error {
	return classify(t.s.claims.Update(ctx, t.tx, c))
}

func (t *pgTx) ExpireDueClaimCodes(ctx context.Context, now time.Time, limit int) ([]string, error) {
	codes, err := t.s.claims.ExpireIssuedBefore(ctx, t.tx, now, limit)

	return codes, classify(err)
}

func (t *pgTx) ClaimIdempotency(ctx context.Context, key domain.IdempotencyKey, operation string) (domain.IdempotencyRecord, bool, error) {
	rec, claimed, err := t.s.keys.Claim(ctx, t.tx, key, operation)

	return rec, claimed, classify(err)
}

func (t *pgTx) CompleteIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error {
	return classify(t.s.keys.Complete(ctx, t.tx, rec))
}
