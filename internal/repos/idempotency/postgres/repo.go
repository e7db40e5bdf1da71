package idempotency

import (
	"database/sql"

	"github.com/fastprodman/loyaltyledger/internal/repos/idempotency"
)

var _ idempotency.Keys = (*keysRepo)(nil)

type keysRepo struct{ db *sql.DB }

func New(db *sql.DB) *keysRepo {
	return &keysRepo{db: db}
}
