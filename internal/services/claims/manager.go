// Package claims manages one-time enrollment codes: issuance, the
// exactly-once install that provisions a wallet pass and credits the
// enrollment bonus, cancellation and expiry.
package claims

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/infra/wallet"
	"github.com/fastprodman/loyaltyledger/internal/services/budget"
	"github.com/fastprodman/loyaltyledger/internal/services/ledger"
	"github.com/fastprodman/loyaltyledger/internal/store"
)

const (
	codeBytes       = 20
	maxCodeAttempts = 3
	MaxBatchSize    = 10_000
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Provisioner creates a wallet pass and returns its install URL.
type Provisioner interface {
	Provision(ctx context.Context, req wallet.PassRequest) (string, error)
}

type Manager struct {
	store  store.Store
	engine *ledger.Engine
	guard  *budget.Guard
	wallet Provisioner
	now    func() time.Time

	redeemLockWait time.Duration
}

func New(s store.Store, engine *ledger.Engine, guard *budget.Guard, p Provisioner) *Manager {
	return &Manager{
		store:  s,
		engine: engine,
		guard:  guard,
		wallet: p,
		now:    time.Now,
	}
}

// WithRedeemLockWait sets how long a redeem waits for a code another redeem
// holds. It must cover the provider call made under that lock, or waiters
// fail with CONFLICT instead of seeing CLAIM_ALREADY_USED. Zero keeps the
// store's default.
func (m *Manager) WithRedeemLockWait(d time.Duration) *Manager {
	m.redeemLockWait = d

	return m
}

// Redemption is the outcome of a successful install.
type Redemption struct {
	Code       string        `json:"code"`
	InstallURL string        `json:"installUrl"`
	Member     ledger.Result `json:"member"`
}

// Batch is the outcome of a bulk issuance.
type Batch struct {
	Budget budget.Decision    `json:"budget"`
	Codes  []domain.ClaimCode `json:"-"`
}

// Issue creates one ISSUED code for the program.
func (m *Manager) Issue(ctx context.Context, program domain.Program, recipient domain.Recipient, campaignRef string) (domain.ClaimCode, error) {
	var c domain.ClaimCode

	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		c, err = m.IssueTx(ctx, tx, program, recipient, campaignRef)

		return err
	})
	if err != nil {
		return domain.ClaimCode{}, fmt.Errorf("issue claim: %w", domain.Classify(err))
	}

	return c, nil
}

// IssueTx inserts a fresh code inside tx, retrying on the rare collision.
func (m *Manager) IssueTx(ctx context.Context, tx store.Tx, program domain.Program, recipient domain.Recipient, campaignRef string) (domain.ClaimCode, error) {
	c := domain.ClaimCode{
		ProgramID:   program.ID,
		Status:      domain.ClaimIssued,
		Recipient:   recipient,
		CampaignRef: campaignRef,
	}

	if program.ClaimTTL > 0 {
		exp := m.now().Add(program.ClaimTTL).UTC()
		c.ExpiresAt = &exp
	}

	for range maxCodeAttempts {
		code, err := NewCode()
		if err != nil {
			return domain.ClaimCode{}, err
		}

		c.Code = code

		inserted, err := tx.InsertClaimCode(ctx, c)
		if errors.Is(err, store.ErrDuplicateCode) {
			continue
		}

		if err != nil {
			return domain.ClaimCode{}, fmt.Errorf("insert claim code: %w", err)
		}

		return inserted, nil
	}

	return domain.ClaimCode{}, fmt.Errorf("claim code collided %d times", maxCodeAttempts)
}

// IssueBatch gates the campaign through the budget guard and, unless it is
// rejected, issues one code per recipient in a single transaction.
func (m *Manager) IssueBatch(ctx context.Context, program domain.Program, recipients []domain.Recipient, campaignRef, confirmation string) (Batch, error) {
	var b Batch

	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		b, err = m.IssueBatchTx(ctx, tx, program, recipients, campaignRef, confirmation)

		return err
	})
	if err != nil {
		return Batch{Budget: b.Budget}, fmt.Errorf("issue batch: %w", domain.Classify(err))
	}

	return b, nil
}

// IssueBatchTx estimates the campaign cost as one mail piece per recipient.
// On BUDGET_EXCEEDED nothing is written and the decision is still returned.
func (m *Manager) IssueBatchTx(ctx context.Context, tx store.Tx, program domain.Program, recipients []domain.Recipient, campaignRef, confirmation string) (Batch, error) {
	if len(recipients) == 0 || len(recipients) > MaxBatchSize {
		return Batch{}, domain.Invalid(fmt.Sprintf("batch must hold between 1 and %d recipients", MaxBatchSize))
	}

	n := int64(len(recipients))
	if program.MailPieceCost < 0 || (program.MailPieceCost > 0 && n > math.MaxInt64/program.MailPieceCost) {
		return Batch{}, domain.Invalid(fmt.Sprintf("estimated cost of %d pieces at %d each overflows", n, program.MailPieceCost))
	}

	estimate := n * program.MailPieceCost

	decision, err := m.guard.CheckBudgetWith(ctx, tx, program.ID, estimate, confirmation)
	if err != nil {
		return Batch{Budget: decision}, err
	}

	codes := make([]domain.ClaimCode, 0, len(recipients))

	for _, r := range recipients {
		c, err := m.IssueTx(ctx, tx, program, r, campaignRef)
		if err != nil {
			return Batch{}, err
		}

		codes = append(codes, c)
	}

	if decision.Overridden {
		slog.WarnContext(ctx, "campaign issued over budget",
			"program", program.ID, "campaign", campaignRef,
			"estimate", decision.EstimatedCost, "ceiling", decision.Ceiling, "overage", decision.Overage)
	}

	return Batch{Budget: decision, Codes: codes}, nil
}

// Redeem installs a code exactly once. See RedeemTx.
func (m *Manager) Redeem(ctx context.Context, code string) (Redemption, error) {
	var r Redemption

	if m.redeemLockWait > 0 {
		ctx = store.WithLockWait(ctx, m.redeemLockWait)
	}

	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		r, err = m.RedeemTx(ctx, tx, code)

		return err
	})
	if err != nil {
		return Redemption{}, fmt.Errorf("redeem claim: %w", domain.Classify(err))
	}

	return r, nil
}

// RedeemTx locks the code row before anything else, so concurrent redeems
// of one code serialize and exactly one of them provisions a pass. The
// provider is called while the lock is held; if it fails the caller must
// roll back and the code stays ISSUED.
func (m *Manager) RedeemTx(ctx context.Context, tx store.Tx, code string) (Redemption, error) {
	c, err := tx.LockClaimCode(ctx, code)
	if errors.Is(err, store.ErrClaimNotFound) {
		return Redemption{}, domain.ErrClaimNotFound
	}

	if err != nil {
		return Redemption{}, fmt.Errorf("lock claim code: %w", err)
	}

	now := m.now()

	err = checkRedeemable(c, now)
	if err != nil {
		return Redemption{}, err
	}

	program, err := tx.Program(ctx, c.ProgramID)
	if err != nil {
		return Redemption{}, fmt.Errorf("read program: %w", err)
	}

	if program.Suspended() {
		return Redemption{}, domain.ErrProgramSuspended
	}

	externalID := c.Recipient.ExternalID
	if externalID == "" {
		externalID = c.Code
	}

	created, err := tx.EnsureMember(ctx, program.ID, externalID)
	if err != nil {
		return Redemption{}, fmt.Errorf("ensure member: %w", err)
	}

	member, err := tx.LockMember(ctx, program.ID, externalID)
	if err != nil {
		return Redemption{}, fmt.Errorf("lock member: %w", err)
	}

	if member.Status == domain.MemberInactive {
		return Redemption{}, domain.ErrMemberInactive
	}

	installURL, err := m.wallet.Provision(ctx, wallet.PassRequest{
		ProgramID:        program.ID,
		MemberExternalID: externalID,
		Name:             c.Recipient.Name,
		Email:            c.Recipient.Email,
		Code:             c.Code,
	})
	if err != nil {
		slog.ErrorContext(ctx, "wallet provisioning failed", "program", program.ID, "error", err)

		return Redemption{}, fmt.Errorf("%w: %w", domain.ErrWalletUnavailable, err)
	}

	installedAt := now.UTC()
	c.Status = domain.ClaimInstalled
	c.InstallURL = installURL
	c.MemberID = member.ID
	c.InstalledAt = &installedAt

	err = tx.UpdateClaimCode(ctx, c)
	if err != nil {
		return Redemption{}, fmt.Errorf("update claim code: %w", err)
	}

	res, err := m.engine.InstallTx(ctx, tx, program, member, installURL, c.Code, created)
	if err != nil {
		return Redemption{}, fmt.Errorf("credit enrollment bonus: %w", err)
	}

	return Redemption{Code: c.Code, InstallURL: installURL, Member: res}, nil
}

// Cancel moves an ISSUED code to CANCELLED.
func (m *Manager) Cancel(ctx context.Context, programID, code string) (domain.ClaimCode, error) {
	return m.inTx(ctx, "cancel claim", func(tx store.Tx) (domain.ClaimCode, error) {
		return m.CancelTx(ctx, tx, programID, code)
	})
}

// CancelTx is Cancel inside tx. Codes of other programs read as not found.
func (m *Manager) CancelTx(ctx context.Context, tx store.Tx, programID, code string) (domain.ClaimCode, error) {
	return retireTx(ctx, tx, programID, code, domain.ClaimCancelled)
}

// Expire moves an ISSUED code to EXPIRED regardless of its stored expiry.
func (m *Manager) Expire(ctx context.Context, code string) (domain.ClaimCode, error) {
	return m.inTx(ctx, "expire claim", func(tx store.Tx) (domain.ClaimCode, error) {
		return retireTx(ctx, tx, "", code, domain.ClaimExpired)
	})
}

func (m *Manager) inTx(ctx context.Context, op string, fn func(tx store.Tx) (domain.ClaimCode, error)) (domain.ClaimCode, error) {
	var out domain.ClaimCode

	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = fn(tx)

		return err
	})
	if err != nil {
		return domain.ClaimCode{}, fmt.Errorf("%s: %w", op, domain.Classify(err))
	}

	return out, nil
}

func retireTx(ctx context.Context, tx store.Tx, programID, code string, to domain.ClaimStatus) (domain.ClaimCode, error) {
	c, err := tx.LockClaimCode(ctx, code)
	if errors.Is(err, store.ErrClaimNotFound) {
		return domain.ClaimCode{}, domain.ErrClaimNotFound
	}

	if err != nil {
		return domain.ClaimCode{}, fmt.Errorf("lock claim code: %w", err)
	}

	if programID != "" && c.ProgramID != programID {
		return domain.ClaimCode{}, domain.ErrClaimNotFound
	}

	err = terminalError(c.Status)
	if err != nil {
		return domain.ClaimCode{}, err
	}

	c.Status = to

	err = tx.UpdateClaimCode(ctx, c)
	if err != nil {
		return domain.ClaimCode{}, fmt.Errorf("update claim code: %w", err)
	}

	return c, nil
}

// ExpireDue expires up to limit ISSUED codes whose expiry is at or before
// now. Rows locked by an in-flight redeem are skipped for the next sweep.
func (m *Manager) ExpireDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var codes []string

	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		codes, err = tx.ExpireDueClaimCodes(ctx, now, limit)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("expire due claims: %w", domain.Classify(err))
	}

	return codes, nil
}

// Get returns a code for status display.
func (m *Manager) Get(ctx context.Context, code string) (domain.ClaimCode, error) {
	c, err := m.store.ClaimCode(ctx, code)
	if errors.Is(err, store.ErrClaimNotFound) {
		return domain.ClaimCode{}, domain.ErrClaimNotFound
	}

	if err != nil {
		return domain.ClaimCode{}, fmt.Errorf("get claim: %w", domain.Classify(err))
	}

	return c, nil
}

func checkRedeemable(c domain.ClaimCode, now time.Time) error {
	err := terminalError(c.Status)
	if err != nil {
		return err
	}

	if c.ExpiredAt(now) {
		return domain.ErrClaimExpired
	}

	return nil
}

func terminalError(s domain.ClaimStatus) error {
	switch s {
	case domain.ClaimIssued:
		return nil
	case domain.ClaimInstalled:
		return domain.ErrClaimAlreadyUsed
	case domain.ClaimExpired, domain.ClaimCancelled:
		return domain.ErrClaimExpired
	default:
		return fmt.Errorf("claim code in unknown status %q", s)
	}
}

// NewCode returns 20 bytes from crypto/rand, base32 without padding.
func NewCode() (string, error) {
	var b [codeBytes]byte

	_, err := rand.Read(b[:])
	if err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	return codeEncoding.EncodeToString(b[:]), nil
}
