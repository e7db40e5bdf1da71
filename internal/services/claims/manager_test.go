package claims

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/infra/wallet"
	"github.com/fastprodman/loyaltyledger/internal/services/budget"
	"github.com/fastprodman/loyaltyledger/internal/services/ledger"
	memstore "github.com/fastprodman/loyaltyledger/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWallet struct {
	calls atomic.Int32
	fail  atomic.Bool
	delay time.Duration
}

func (f *fakeWallet) Provision(ctx context.Context, req wallet.PassRequest) (string, error) {
	f.calls.Add(1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if f.fail.Load() {
		return "", errors.New("provider down")
	}

	return "https://wallet.example/install/" + req.Code, nil
}

func testProgram() domain.Program {
	return domain.Program{
		ID:               "cafe",
		Name:             "Corner Cafe",
		Status:           domain.ProgramActive,
		Thresholds:       domain.Thresholds{Silver: 1000, Gold: 5000, Platinum: 20000},
		PointsMultiplier: decimal.NewFromInt(10),
		EnrollmentBonus:  50,
		BudgetCeiling:    10_000,
		MailPieceCost:    100,
		ClaimTTL:         72 * time.Hour,
	}
}

type fixture struct {
	m      *Manager
	store  *memstore.Store
	engine *ledger.Engine
	wallet *fakeWallet
	prog   domain.Program
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s := memstore.New(2 * time.Second)
	p := testProgram()
	s.PutProgram(p)

	w := &fakeWallet{}
	e := ledger.New(s)

	return &fixture{
		m:      New(s, e, budget.New(s, "CONFIRM OVERSPEND"), w),
		store:  s,
		engine: e,
		wallet: w,
		prog:   p,
	}
}

func TestNewCode(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})

	for range 100 {
		c, err := NewCode()
		require.NoError(t, err)
		assert.Len(t, c, 32)
		assert.NotContains(t, c, "=")

		_, dup := seen[c]
		require.False(t, dup)

		seen[c] = struct{}{}
	}
}

func TestIssue_SetsExpiry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.m.now = func() time.Time { return fixed }

	c, err := f.m.Issue(t.Context(), f.prog, domain.Recipient{Email: "ann@example.com"}, "spring")
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimIssued, c.Status)
	assert.Equal(t, "spring", c.CampaignRef)
	require.NotNil(t, c.ExpiresAt)
	assert.True(t, c.ExpiresAt.Equal(fixed.Add(72*time.Hour)))

	noTTL := f.prog
	noTTL.ClaimTTL = 0

	c, err = f.m.Issue(t.Context(), noTTL, domain.Recipient{}, "")
	require.NoError(t, err)
	assert.Nil(t, c.ExpiresAt)
}

func TestRedeem_InstallsAndCreditsBonus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c, err := f.m.Issue(t.Context(), f.prog, domain.Recipient{ExternalID: "m-7"}, "")
	require.NoError(t, err)

	r, err := f.m.Redeem(t.Context(), c.Code)
	require.NoError(t, err)
	assert.Equal(t, "https://wallet.example/install/"+c.Code, r.InstallURL)
	assert.True(t, r.Member.IsNewMember)
	assert.Equal(t, int64(50), r.Member.NewBalance)
	assert.Equal(t, domain.ActionClaimInstall, r.Member.Action)

	m, err := f.engine.Lookup(t.Context(), f.prog.ID, "m-7")
	require.NoError(t, err)
	assert.Equal(t, r.InstallURL, m.PassURL)
	assert.Equal(t, int64(50), m.Balance)

	got, err := f.m.Get(t.Context(), c.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimInstalled, got.Status)
	assert.Equal(t, m.ID, got.MemberID)
	assert.NotNil(t, got.InstalledAt)

	_, err = f.m.Redeem(t.Context(), c.Code)
	require.ErrorIs(t, err, domain.ErrClaimAlreadyUsed)
}

func TestRedeem_AnonymousRecipientKeysMemberByCode(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c, err := f.m.Issue(t.Context(), f.prog, domain.Recipient{}, "")
	require.NoError(t, err)

	_, err = f.m.Redeem(t.Context(), c.Code)
	require.NoError(t, err)

	m, err := f.engine.Lookup(t.Context(), f.prog.ID, c.Code)
	require.NoError(t, err)
	assert.Equal(t, int64(50), m.Balance)
}

func TestRedeem_ZeroBonusStillLogsInstall(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.prog
	p.ID = "nobonus"
	p.EnrollmentBonus = 0
	f.store.PutProgram(p)

	c, err := f.m.Issue(t.Context(), p, domain.Recipient{ExternalID: "z"}, "")
	require.NoError(t, err)

	_, err = f.m.Redeem(t.Context(), c.Code)
	require.NoError(t, err)

	entries, err := f.engine.History(t.Context(), p.ID, "z")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ActionClaimInstall, entries[0].Action)
	assert.Equal(t, int64(0), entries[0].Amount)
}

// redeemConcurrently fires n redeems of code at once and counts outcomes.
func redeemConcurrently(m *Manager, code string, n int) (ok, used, conflict int32, other []error) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		okN       atomic.Int32
		usedN     atomic.Int32
		conflictN atomic.Int32
		start     = make(chan struct{})
	)

	for range n {
		wg.Add(1)

		go func() {
			defer wg.Done()
			<-start

			_, err := m.Redeem(context.Background(), code)

			switch {
			case err == nil:
				okN.Add(1)
			case errors.Is(err, domain.ErrClaimAlreadyUsed):
				usedN.Add(1)
			case errors.Is(err, domain.ErrConflict):
				conflictN.Add(1)
			default:
				mu.Lock()
				other = append(other, err)
				mu.Unlock()
			}
		}()
	}

	close(start)
	wg.Wait()

	return okN.Load(), usedN.Load(), conflictN.Load(), other
}

func TestRedeem_SlowProviderWaitersSeeAlreadyUsed(t *testing.T) {
	t.Parallel()

	s := memstore.New(50 * time.Millisecond)
	p := testProgram()
	s.PutProgram(p)

	w := &fakeWallet{delay: 200 * time.Millisecond}
	e := ledger.New(s)
	m := New(s, e, budget.New(s, "CONFIRM OVERSPEND"), w).WithRedeemLockWait(2 * time.Second)

	c, err := m.Issue(t.Context(), p, domain.Recipient{ExternalID: "slow"}, "")
	require.NoError(t, err)

	ok, used, conflict, other := redeemConcurrently(m, c.Code, 3)
	require.Empty(t, other)
	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(2), used)
	assert.Zero(t, conflict)
	assert.Equal(t, int32(1), w.calls.Load())
}

func TestRedeem_SlowProviderWithoutLockWaitConflicts(t *testing.T) {
	t.Parallel()

	s := memstore.New(50 * time.Millisecond)
	p := testProgram()
	s.PutProgram(p)

	w := &fakeWallet{delay: 300 * time.Millisecond}
	m := New(s, ledger.New(s), budget.New(s, "CONFIRM OVERSPEND"), w)

	c, err := m.Issue(t.Context(), p, domain.Recipient{ExternalID: "slow"}, "")
	require.NoError(t, err)

	ok, used, conflict, other := redeemConcurrently(m, c.Code, 3)
	require.Empty(t, other)
	assert.Equal(t, int32(1), ok)
	assert.Zero(t, used)
	assert.Equal(t, int32(2), conflict)
}

func TestRedeem_ConcurrentExactlyOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.wallet.delay = 20 * time.Millisecond

	c, err := f.m.Issue(t.Context(), f.prog, domain.Recipient{ExternalID: "race"}, "")
	require.NoError(t, err)

	const n = 8

	var (
		wg      sync.WaitGroup
		ok      atomic.Int32
		used    atomic.Int32
		start   = make(chan struct{})
		unknown = make(chan error, n)
	)

	for range n {
		wg.Add(1)

		go func() {
			defer wg.Done()
			<-start

			_, err := f.m.Redeem(context.Background(), c.Code)

			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrClaimAlreadyUsed):
				used.Add(1)
			default:
				unknown <- err
			}
		}()
	}

	close(start)
	wg.Wait()
	close(unknown)

	for err := range unknown {
		t.Errorf("unexpected error: %v", err)
	}

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), used.Load())
	assert.Equal(t, int32(1), f.wallet.calls.Load(), "exactly one pass provisioned")

	m, err := f.engine.Lookup(t.Context(), f.prog.ID, "race")
	require.NoError(t, err)
	assert.Equal(t, int64(50), m.Balance, "bonus credited once")
}

func TestRedeem_ProvisionFailureLeavesCodeIssued(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c, err := f.m.Issue(t.Context(), f.prog, domain.Recipient{ExternalID: "retry"}, "")
	require.NoError(t, err)

	f.wallet.fail.Store(true)

	_, err = f.m.Redeem(t.Context(), c.Code)
	require.ErrorIs(t, err, domain.ErrWalletUnavailable)
	assert.True(t, domain.IsRetryable(err))
	assert.False(t, domain.IsCacheable(err))

	got, err := f.m.Get(t.Context(), c.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimIssued, got.Status)

	_, err = f.engine.Lookup(t.Context(), f.prog.ID, "retry")
	require.ErrorIs(t, err, domain.ErrNotFound, "member creation rolled back with the unit")

	f.wallet.fail.Store(false)

	r, err := f.m.Redeem(t.Context(), c.Code)
	require.NoError(t, err)
	assert.Equal(t, int64(50), r.Member.NewBalance)
}

func TestRedeem_Failures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f.m.now = func() time.Time { return base }

	stale, err := f.m.Issue(ctx, f.prog, domain.Recipient{}, "")
	require.NoError(t, err)

	cancelled, err := f.m.Issue(ctx, f.prog, domain.Recipient{}, "")
	require.NoError(t, err)

	_, err = f.m.Cancel(ctx, f.prog.ID, cancelled.Code)
	require.NoError(t, err)

	swept, err := f.m.Issue(ctx, f.prog, domain.Recipient{}, "")
	require.NoError(t, err)

	_, err = f.m.Expire(ctx, swept.Code)
	require.NoError(t, err)

	inactive, err := f.m.Issue(ctx, f.prog, domain.Recipient{ExternalID: "gone"}, "")
	require.NoError(t, err)

	_, err = f.engine.Earn(ctx, f.prog, ledger.EarnInput{ExternalID: "gone", Mode: ledger.ModePoints, Points: 1})
	require.NoError(t, err)
	_, err = f.engine.Deactivate(ctx, f.prog.ID, "gone")
	require.NoError(t, err)

	f.m.now = func() time.Time { return base.Add(73 * time.Hour) }

	tests := []struct {
		name string
		code string
		want error
	}{
		{name: "unknown", code: "NOPE", want: domain.ErrClaimNotFound},
		{name: "past_expiry", code: stale.Code, want: domain.ErrClaimExpired},
		{name: "cancelled", code: cancelled.Code, want: domain.ErrClaimExpired},
		{name: "swept", code: swept.Code, want: domain.ErrClaimExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.Redeem(ctx, tt.code)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, domain.IsCacheable(err))
		})
	}

	f.m.now = func() time.Time { return base }

	_, err = f.m.Redeem(ctx, inactive.Code)
	require.ErrorIs(t, err, domain.ErrMemberInactive)
	assert.Equal(t, int32(0), f.wallet.calls.Load(), "no pass provisioned for rejected codes")
}

func TestCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	c, err := f.m.Issue(ctx, f.prog, domain.Recipient{}, "")
	require.NoError(t, err)

	_, err = f.m.Cancel(ctx, "other-program", c.Code)
	require.ErrorIs(t, err, domain.ErrClaimNotFound)

	got, err := f.m.Cancel(ctx, f.prog.ID, c.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimCancelled, got.Status)

	_, err = f.m.Cancel(ctx, f.prog.ID, c.Code)
	require.ErrorIs(t, err, domain.ErrClaimExpired)

	installed, err := f.m.Issue(ctx, f.prog, domain.Recipient{}, "")
	require.NoError(t, err)
	_, err = f.m.Redeem(ctx, installed.Code)
	require.NoError(t, err)

	_, err = f.m.Cancel(ctx, f.prog.ID, installed.Code)
	require.ErrorIs(t, err, domain.ErrClaimAlreadyUsed)
}

func TestExpireDue(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f.m.now = func() time.Time { return base }

	due := make([]string, 0, 3)

	for range 3 {
		c, err := f.m.Issue(ctx, f.prog, domain.Recipient{}, "")
		require.NoError(t, err)

		due = append(due, c.Code)
	}

	f.m.now = func() time.Time { return base.Add(time.Hour) }

	fresh, err := f.m.Issue(ctx, f.prog, domain.Recipient{}, "")
	require.NoError(t, err)

	sweepAt := base.Add(72*time.Hour + time.Minute)

	first, err := f.m.ExpireDue(ctx, sweepAt, 2)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	rest, err := f.m.ExpireDue(ctx, sweepAt, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	assert.ElementsMatch(t, due, append(first, rest...))

	got, err := f.m.Get(ctx, fresh.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimIssued, got.Status)

	f.m.now = func() time.Time { return base }

	_, err = f.m.Redeem(ctx, due[0])
	require.ErrorIs(t, err, domain.ErrClaimExpired)
}

func TestIssueBatch(t *testing.T) {
	t.Parallel()

	recipients := func(n int) []domain.Recipient {
		out := make([]domain.Recipient, n)
		for i := range out {
			out[i] = domain.Recipient{Name: "r"}
		}

		return out
	}

	tests := []struct {
		name         string
		count        int
		confirmation string
		wantErr      error
		wantDisp     budget.Disposition
		wantCodes    int
	}{
		{name: "within", count: 10, wantDisp: budget.WithinBudget, wantCodes: 10},
		{name: "near", count: 90, wantDisp: budget.NearBudget, wantCodes: 90},
		{name: "over_rejected", count: 101, wantErr: domain.ErrBudgetExceeded, wantDisp: budget.OverBudget},
		{name: "over_confirmed", count: 101, confirmation: "CONFIRM OVERSPEND", wantDisp: budget.OverBudget, wantCodes: 101},
		{name: "empty", count: 0, wantErr: domain.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)

			b, err := f.m.IssueBatch(t.Context(), f.prog, recipients(tt.count), "spring", tt.confirmation)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, b.Codes)

				if tt.wantDisp != "" {
					assert.Equal(t, tt.wantDisp, b.Budget.Disposition)
				}

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantDisp, b.Budget.Disposition)
			assert.Len(t, b.Codes, tt.wantCodes)

			for _, c := range b.Codes {
				assert.Equal(t, "spring", c.CampaignRef)
			}
		})
	}
}

func TestIssueBatch_RejectedIssuesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	b, err := f.m.IssueBatch(t.Context(), f.prog, make([]domain.Recipient, 150), "", "wrong phrase")
	require.ErrorIs(t, err, domain.ErrBudgetExceeded)

	e, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, int64(5_000), e.Details["overage"])
	assert.Equal(t, int64(5_000), b.Budget.Overage)

	swept, err := f.m.ExpireDue(t.Context(), time.Now().Add(100*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, swept, "no codes were written")
}

type unreachablePrograms struct{}

func (unreachablePrograms) Program(context.Context, string) (domain.Program, error) {
	return domain.Program{}, errors.New("pool exhausted")
}

func TestIssueBatch_ReadsBudgetInsideTx(t *testing.T) {
	t.Parallel()

	s := memstore.New(time.Second)
	p := testProgram()
	s.PutProgram(p)

	// the guard's own reader is never consulted by a batch
	m := New(s, ledger.New(s), budget.New(unreachablePrograms{}, "CONFIRM OVERSPEND"), &fakeWallet{})

	b, err := m.IssueBatch(t.Context(), p, make([]domain.Recipient, 3), "", "")
	require.NoError(t, err)
	assert.Len(t, b.Codes, 3)
	assert.Equal(t, int64(300), b.Budget.EstimatedCost)
}

func TestIssueBatch_CostOverflow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.prog
	p.MailPieceCost = math.MaxInt64 / 2
	f.store.PutProgram(p)

	b, err := f.m.IssueBatch(t.Context(), p, make([]domain.Recipient, 3), "", "CONFIRM OVERSPEND")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Contains(t, err.Error(), "overflows")
	assert.Empty(t, b.Codes)
}
