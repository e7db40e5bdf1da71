package idempotency

import (
	"context"
	"database/sql"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/domain"
)

// Keys stores the terminal response of a mutating request under its
// (program, token) key.
//
// Claim inserts a pending row inside the caller's tx. When another tx holds
// the same key, the insert waits for it to finish; if that tx committed,
// Claim returns its record with claimed=false so the caller replays it.
type Keys interface {
	Claim(ctx context.Context, tx *sql.Tx, key domain.IdempotencyKey, operation string) (domain.IdempotencyRecord, bool, error)
	Complete(ctx context.Context, tx *sql.Tx, rec domain.IdempotencyRecord) error
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}
