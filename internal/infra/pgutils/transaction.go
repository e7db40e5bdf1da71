package pgutils

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TxOptions tune a single WithTx call.
type TxOptions struct {
	// LockTimeout, when positive, is applied with SET LOCAL so a row-lock
	// wait fails fast instead of hanging.
	LockTimeout time.Duration
}

// WithTx runs fn inside a transaction.
// It commits if fn returns nil, otherwise it rolls back.
func WithTx(ctx context.Context, db *sql.DB, opts TxOptions, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil) // default isolation level
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if opts.LockTimeout > 0 {
		// SET LOCAL does not accept bind parameters.
		_, err = tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", opts.LockTimeout.Milliseconds()))
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}

	err = fn(tx)
	if err != nil {
		rbErr := tx.Rollback()
		if rbErr != nil {
			return fmt.Errorf("rollback after fn error: %v (fn err: %w)", rbErr, err)
		}

		return fmt.Errorf("fn: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}
