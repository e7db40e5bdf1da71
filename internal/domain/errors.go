package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for caching and retry decisions.
type Kind int

const (
	// KindCaller errors are deterministic: safe to cache under an idempotency token.
	KindCaller Kind = iota + 1
	// KindConflict errors are transient contention; the caller retries with the same token.
	KindConflict
	// KindInfra errors come from the store or a downstream collaborator; never cached.
	KindInfra
)

func (k Kind) String() string {
	switch k {
	case KindCaller:
		return "caller"
	case KindConflict:
		return "conflict"
	case KindInfra:
		return "infra"
	default:
		return "unknown"
	}
}

// Error is a machine-readable failure with a stable Code.
// Two Errors match under errors.Is when their codes are equal, so sentinels
// below can be compared against errors carrying extra Details.
type Error struct {
	Code    string
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Code == e.Code
}

// With returns a copy of e carrying a different message and details.
func (e *Error) With(msg string, details map[string]any) *Error {
	cp := *e
	if msg != "" {
		cp.Message = msg
	}

	cp.Details = details

	return &cp
}

var (
	ErrInvalidRequest   = &Error{Code: "INVALID_REQUEST", Kind: KindCaller, Message: "invalid request"}
	ErrUnauthorized     = &Error{Code: "UNAUTHORIZED", Kind: KindCaller, Message: "missing or invalid credential"}
	ErrProgramSuspended = &Error{Code: "PROGRAM_SUSPENDED", Kind: KindCaller, Message: "program is suspended"}
	ErrProgramNotFound  = &Error{Code: "PROGRAM_NOT_FOUND", Kind: KindCaller, Message: "program not found"}
	ErrRateLimited      = &Error{Code: "RATE_LIMITED", Kind: KindCaller, Message: "rate limit exceeded"}
	ErrNotFound         = &Error{Code: "NOT_FOUND", Kind: KindCaller, Message: "member not found"}
	ErrMemberInactive   = &Error{Code: "MEMBER_INACTIVE", Kind: KindCaller, Message: "member is inactive"}
	ErrInvalidAmount    = &Error{Code: "INVALID_AMOUNT", Kind: KindCaller, Message: "amount must be a positive integer"}

	ErrInsufficientBalance = &Error{Code: "INSUFFICIENT_BALANCE", Kind: KindCaller, Message: "insufficient balance"}
	ErrDuplicateRequest    = &Error{Code: "DUPLICATE_TRANSACTION", Kind: KindCaller, Message: "idempotency token already applied to this member"}

	ErrClaimNotFound    = &Error{Code: "CLAIM_NOT_FOUND", Kind: KindCaller, Message: "claim code not found"}
	ErrClaimAlreadyUsed = &Error{Code: "CLAIM_ALREADY_USED", Kind: KindCaller, Message: "claim code already used"}
	ErrClaimExpired     = &Error{Code: "CLAIM_EXPIRED", Kind: KindCaller, Message: "claim code expired"}

	ErrBudgetExceeded = &Error{Code: "BUDGET_EXCEEDED", Kind: KindCaller, Message: "campaign budget exceeded"}

	ErrConflict          = &Error{Code: "CONFLICT", Kind: KindConflict, Message: "concurrent modification, retry"}
	ErrTransactionFailed = &Error{Code: "TRANSACTION_FAILED", Kind: KindInfra, Message: "transaction failed"}
	ErrWalletUnavailable = &Error{Code: "WALLET_UNAVAILABLE", Kind: KindInfra, Message: "wallet provisioning failed"}
)

// InsufficientBalance builds the caller error carrying the balance seen under lock.
func InsufficientBalance(balance, requested int64) *Error {
	return ErrInsufficientBalance.With("", map[string]any{
		"currentBalance": balance,
		"requested":      requested,
	})
}

// BudgetExceeded builds the caller error carrying the overage.
func BudgetExceeded(estimate, ceiling int64) *Error {
	return ErrBudgetExceeded.With("", map[string]any{
		"estimatedCost": estimate,
		"ceiling":       ceiling,
		"overage":       estimate - ceiling,
	})
}

func Invalid(msg string) *Error {
	return ErrInvalidRequest.With(msg, nil)
}

// AsError extracts the *Error from a wrapped chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}

	return nil, false
}

// IsCacheable reports whether err may be stored as a terminal idempotent response.
func IsCacheable(err error) bool {
	e, ok := AsError(err)

	return ok && e.Kind == KindCaller
}

// IsRetryable reports whether the same request may succeed on retry.
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return true
	}

	return e.Kind == KindConflict || e.Kind == KindInfra
}

// Classify passes domain errors through and folds anything else into
// ErrTransactionFailed, keeping the cause in the chain.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := AsError(err); ok {
		return err
	}

	return fmt.Errorf("%w: %w", ErrTransactionFailed, err)
}
