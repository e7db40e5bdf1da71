// Package ledger is the balance and tier engine. Every mutation runs as one
// read-compute-write under the member's row lock: the balance check, the
// member update and the log append commit together or not at all.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/store"
)

type Engine struct {
	store store.Store
}

func New(s store.Store) *Engine {
	return &Engine{store: s}
}

// Earn credits points in its own transaction. See EarnTx.
func (e *Engine) Earn(ctx context.Context, program domain.Program, in EarnInput) (Result, error) {
	return e.inTx(ctx, "earn", func(tx store.Tx) (Result, error) {
		return e.EarnTx(ctx, tx, program, in)
	})
}

func (e *Engine) Redeem(ctx context.Context, program domain.Program, in RedeemInput) (Result, error) {
	return e.inTx(ctx, "redeem", func(tx store.Tx) (Result, error) {
		return e.RedeemTx(ctx, tx, program, in)
	})
}

func (e *Engine) Adjust(ctx context.Context, program domain.Program, in AdjustInput) (Result, error) {
	return e.inTx(ctx, "adjust", func(tx store.Tx) (Result, error) {
		return e.AdjustTx(ctx, tx, program, in)
	})
}

func (e *Engine) Deactivate(ctx context.Context, programID, externalID string) (domain.Member, error) {
	var m domain.Member

	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		m, err = e.DeactivateTx(ctx, tx, programID, externalID)

		return err
	})
	if err != nil {
		return domain.Member{}, fmt.Errorf("deactivate: %w", domain.Classify(err))
	}

	return m, nil
}

func (e *Engine) inTx(ctx context.Context, op string, fn func(tx store.Tx) (Result, error)) (Result, error) {
	var res Result

	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = fn(tx)

		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, domain.Classify(err))
	}

	return res, nil
}

// EarnTx creates the member on first touch, then credits points under the
// row lock and re-derives the tier from cumulative spend.
func (e *Engine) EarnTx(ctx context.Context, tx store.Tx, program domain.Program, in EarnInput) (Result, error) {
	points := in.Points

	switch in.Mode {
	case ModeSpend:
		if !in.Currency.IsPositive() {
			return Result{}, domain.ErrInvalidAmount
		}

		var err error

		points, err = PointsForSpend(in.Currency, program.PointsMultiplier)
		if err != nil {
			return Result{}, err
		}
	case ModePoints, "":
	default:
		return Result{}, domain.Invalid(fmt.Sprintf("unknown earn mode %q", in.Mode))
	}

	if points <= 0 {
		return Result{}, domain.ErrInvalidAmount
	}

	created, err := tx.EnsureMember(ctx, program.ID, in.ExternalID)
	if err != nil {
		return Result{}, fmt.Errorf("ensure member: %w", err)
	}

	m, err := tx.LockMember(ctx, program.ID, in.ExternalID)
	if err != nil {
		return Result{}, fmt.Errorf("lock member: %w", err)
	}

	if m.Status == domain.MemberInactive {
		return Result{}, domain.ErrMemberInactive
	}

	if m.Balance > math.MaxInt64-points || m.CumulativeSpend > math.MaxInt64-points {
		return Result{}, domain.ErrInvalidAmount.With("amount overflows the balance", nil)
	}

	spendDelta := int64(0)
	if in.Mode == ModeSpend {
		spendDelta = points
	}

	return e.apply(ctx, tx, program, m, mutation{
		action:     domain.ActionEarn,
		amount:     points,
		spendDelta: spendDelta,
		token:      in.Token,
		reference:  in.Reference,
		metadata:   in.Metadata,
		isNew:      created,
	})
}

// RedeemTx debits points. The balance check happens under the same lock as
// the write. A member with no record has a balance of zero and nothing is
// created.
func (e *Engine) RedeemTx(ctx context.Context, tx store.Tx, program domain.Program, in RedeemInput) (Result, error) {
	if in.Points <= 0 {
		return Result{}, domain.ErrInvalidAmount
	}

	m, err := tx.LockMember(ctx, program.ID, in.ExternalID)
	if errors.Is(err, store.ErrMemberNotFound) {
		return Result{}, domain.InsufficientBalance(0, in.Points)
	}

	if err != nil {
		return Result{}, fmt.Errorf("lock member: %w", err)
	}

	if m.Status == domain.MemberInactive {
		return Result{}, domain.ErrMemberInactive
	}

	if in.Points > m.Balance {
		return Result{}, domain.InsufficientBalance(m.Balance, in.Points)
	}

	return e.apply(ctx, tx, program, m, mutation{
		action:    domain.ActionRedeem,
		amount:    -in.Points,
		token:     in.Token,
		reference: in.Reference,
		metadata:  in.Metadata,
	})
}

// AdjustTx applies a signed operator correction. Spend and tier are untouched.
func (e *Engine) AdjustTx(ctx context.Context, tx store.Tx, program domain.Program, in AdjustInput) (Result, error) {
	if in.Delta == 0 || in.Delta == math.MinInt64 {
		return Result{}, domain.ErrInvalidAmount.With("adjustment must be a non-zero integer", nil)
	}

	if strings.TrimSpace(in.Reason) == "" {
		return Result{}, domain.Invalid("adjustment reason is required")
	}

	metadata, err := withReason(in.Metadata, in.Reason)
	if err != nil {
		return Result{}, err
	}

	m, err := tx.LockMember(ctx, program.ID, in.ExternalID)
	if errors.Is(err, store.ErrMemberNotFound) {
		return Result{}, domain.ErrNotFound
	}

	if err != nil {
		return Result{}, fmt.Errorf("lock member: %w", err)
	}

	if m.Status == domain.MemberInactive {
		return Result{}, domain.ErrMemberInactive
	}

	if in.Delta < 0 && -in.Delta > m.Balance {
		return Result{}, domain.InsufficientBalance(m.Balance, -in.Delta)
	}

	if in.Delta > 0 && m.Balance > math.MaxInt64-in.Delta {
		return Result{}, domain.ErrInvalidAmount.With("amount overflows the balance", nil)
	}

	return e.apply(ctx, tx, program, m, mutation{
		action:    domain.ActionAdjust,
		amount:    in.Delta,
		token:     in.Token,
		reference: in.Reference,
		metadata:  metadata,
	})
}

// InstallTx credits the enrollment bonus to a member the caller has already
// locked and records the wallet pass URL. The bonus may be zero; the
// CLAIM_INSTALL entry is written either way.
func (e *Engine) InstallTx(ctx context.Context, tx store.Tx, program domain.Program, locked domain.Member, passURL, reference string, isNew bool) (Result, error) {
	if locked.Status == domain.MemberInactive {
		return Result{}, domain.ErrMemberInactive
	}

	locked.PassURL = passURL

	return e.apply(ctx, tx, program, locked, mutation{
		action:    domain.ActionClaimInstall,
		amount:    program.EnrollmentBonus,
		reference: reference,
		isNew:     isNew,
	})
}

// DeactivateTx marks the member INACTIVE. Deactivating twice is a no-op.
func (e *Engine) DeactivateTx(ctx context.Context, tx store.Tx, programID, externalID string) (domain.Member, error) {
	m, err := tx.LockMember(ctx, programID, externalID)
	if errors.Is(err, store.ErrMemberNotFound) {
		return domain.Member{}, domain.ErrNotFound
	}

	if err != nil {
		return domain.Member{}, fmt.Errorf("lock member: %w", err)
	}

	if m.Status == domain.MemberInactive {
		return m, nil
	}

	m.Status = domain.MemberInactive

	err = tx.UpdateMember(ctx, m)
	if err != nil {
		return domain.Member{}, fmt.Errorf("update member: %w", err)
	}

	return m, nil
}

// Lookup is an unlocked point-in-time read.
func (e *Engine) Lookup(ctx context.Context, programID, externalID string) (domain.Member, error) {
	m, err := e.store.Member(ctx, programID, externalID)
	if errors.Is(err, store.ErrMemberNotFound) {
		return domain.Member{}, domain.ErrNotFound
	}

	if err != nil {
		return domain.Member{}, fmt.Errorf("lookup: %w", domain.Classify(err))
	}

	return m, nil
}

// History returns the member's log entries in creation order.
func (e *Engine) History(ctx context.Context, programID, externalID string) ([]domain.Entry, error) {
	m, err := e.Lookup(ctx, programID, externalID)
	if err != nil {
		return nil, err
	}

	entries, err := e.store.Entries(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("history: %w", domain.Classify(err))
	}

	return entries, nil
}

type mutation struct {
	action     domain.Action
	amount     int64
	spendDelta int64
	token      string
	reference  string
	metadata   json.RawMessage
	isNew      bool
}

// apply writes the new member state and its log entry. m must be locked by tx.
func (e *Engine) apply(ctx context.Context, tx store.Tx, program domain.Program, m domain.Member, mut mutation) (Result, error) {
	prev := m

	m.Balance += mut.amount
	m.CumulativeSpend += mut.spendDelta

	if mut.action == domain.ActionEarn {
		m.Tier = program.Thresholds.TierFor(m.CumulativeSpend)
	}

	if m.Balance < 0 {
		// unreachable while callers check under the lock
		return Result{}, fmt.Errorf("%s would leave balance at %d: %w", mut.action, m.Balance, domain.ErrTransactionFailed)
	}

	err := tx.UpdateMember(ctx, m)
	if err != nil {
		return Result{}, fmt.Errorf("update member: %w", err)
	}

	entry, err := tx.AppendEntry(ctx, domain.Entry{
		MemberID:         m.ID,
		Action:           mut.action,
		Amount:           mut.amount,
		PrevBalance:      prev.Balance,
		NewBalance:       m.Balance,
		IdempotencyToken: mut.token,
		ExternalRef:      mut.reference,
		Metadata:         mut.metadata,
	})
	if errors.Is(err, store.ErrDuplicateEntry) {
		return Result{}, domain.ErrDuplicateRequest
	}

	if err != nil {
		return Result{}, fmt.Errorf("append entry: %w", err)
	}

	return Result{
		MemberID:        m.ID,
		ExternalID:      m.ExternalID,
		TransactionID:   entry.ID,
		Action:          mut.action,
		Amount:          mut.amount,
		PreviousBalance: prev.Balance,
		NewBalance:      m.Balance,
		PreviousTier:    prev.Tier,
		NewTier:         m.Tier,
		CumulativeSpend: m.CumulativeSpend,
		WalletPassURL:   m.PassURL,
		IsNewMember:     mut.isNew,
		TierUpgraded:    m.Tier.Rank() > prev.Tier.Rank(),
	}, nil
}

func withReason(metadata json.RawMessage, reason string) (json.RawMessage, error) {
	fields := make(map[string]any)

	if len(metadata) > 0 {
		err := json.Unmarshal(metadata, &fields)
		if err != nil {
			return nil, domain.Invalid("metadata must be a JSON object")
		}
	}

	fields["reason"] = reason

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	return out, nil
}
