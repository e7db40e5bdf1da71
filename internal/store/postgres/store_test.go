package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/infra/pgtestutil"
	"github.com/fastprodman/loyaltyledger/internal/store"
)

func TestStore_WithTx_RollsBackEveryWrite(t *testing.T) {
	t.Parallel()

	db, cleanup := pgtestutil.NewTestDB(t)
	defer cleanup()

	pgtestutil.SeedProgram(t, db, "p1", 1000, 5000, 20000)

	s := New(db, time.Second)
	ctx := t.Context()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.EnsureMember(ctx, "p1", "alice")
		if err != nil {
			return err
		}

		m, err := tx.LockMember(ctx, "p1", "alice")
		if err != nil {
			return err
		}

		m.Balance = 100

		err = tx.UpdateMember(ctx, m)
		if err != nil {
			return err
		}

		_, err = tx.AppendEntry(ctx, domain.Entry{
			MemberID: m.ID, Action: domain.ActionEarn, Amount: 100, PrevBalance: 0, NewBalance: 100,
		})
		if err != nil {
			return err
		}

		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}

	_, err = s.Member(ctx, "p1", "alice")
	if !errors.Is(err, store.ErrMemberNotFound) {
		t.Fatalf("member should not survive rollback, got %v", err)
	}
}

func TestStore_LockTimeoutIsConflict(t *testing.T) {
	t.Parallel()

	db, cleanup := pgtestutil.NewTestDB(t)
	defer cleanup()

	pgtestutil.SeedProgram(t, db, "p1", 1000, 5000, 20000)

	s := New(db, 100*time.Millisecond)
	ctx := t.Context()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.EnsureMember(ctx, "p1", "bob")
		return err
	})
	if err != nil {
		t.Fatalf("seed member: %v", err)
	}

	locked := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan error, 1)

	go func() {
		holderDone <- s.WithTx(context.Background(), func(tx store.Tx) error {
			_, err := tx.LockMember(context.Background(), "p1", "bob")
			if err != nil {
				return err
			}

			close(locked)
			<-release

			return nil
		})
	}()

	select {
	case <-locked:
	case <-time.After(5 * time.Second):
		t.Fatal("holder never acquired the lock")
	}

	err = s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockMember(ctx, "p1", "bob")
		return err
	})

	close(release)

	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}

	if !domain.IsRetryable(err) {
		t.Fatal("conflict must be retryable")
	}

	if herr := <-holderDone; herr != nil {
		t.Fatalf("holder: %v", herr)
	}
}

func TestStore_TxReadsStayOnOneConnection(t *testing.T) {
	t.Parallel()

	db, cleanup := pgtestutil.NewTestDB(t)
	defer cleanup()

	pgtestutil.SeedProgram(t, db, "p1", 1000, 5000, 20000)
	db.SetMaxOpenConns(1)

	s := New(db, time.Second)

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.Program(ctx, "p1")
		if err != nil {
			return err
		}

		_, err = tx.EnsureMember(ctx, "p1", "solo")

		return err
	})
	if err != nil {
		t.Fatalf("tx on a single-connection pool: %v", err)
	}
}
