package programs

import (
	"context"
	"database/sql"
	"errors"

	"github.com/fastprodman/loyaltyledger/internal/domain"
)

var (
	ErrProgramNotFound    = errors.New("program not found")
	ErrCredentialNotFound = errors.New("credential not found")
)

// Programs is the read-only tenant catalogue the core consults.
type Programs interface {
	GetProgram(ctx context.Context, programID string) (domain.Program, error)
	// GetProgramTx reads on the transaction's own connection.
	GetProgramTx(ctx context.Context, tx *sql.Tx, programID string) (domain.Program, error)
	// ByCredentialHash resolves a non-revoked API key hash to its program.
	ByCredentialHash(ctx context.Context, keyHash string) (domain.Program, error)
}
