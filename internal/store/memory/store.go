// Package store is an in-process implementation of the ledger store. It keeps
// the same locking contract as Postgres: Lock* calls take an exclusive
// per-row lock held until the unit of work commits or rolls back, and staged
// writes become visible only on commit.
package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/store"
)

var _ store.Store = (*Store)(nil)

type memberKey struct {
	programID  string
	externalID string
}

type Store struct {
	lockTimeout time.Duration

	mu          sync.Mutex
	locks       map[string]*rowLock
	programs    map[string]domain.Program
	credentials map[string]string
	members     map[memberKey]domain.Member
	entries     map[string][]domain.Entry
	claims      map[string]domain.ClaimCode
	keys        map[domain.IdempotencyKey]domain.IdempotencyRecord
}

// New returns an empty store. A non-positive lockTimeout waits on row locks
// until ctx is done.
func New(lockTimeout time.Duration) *Store {
	return &Store{
		lockTimeout: lockTimeout,
		locks:       make(map[string]*rowLock),
		programs:    make(map[string]domain.Program),
		credentials: make(map[string]string),
		members:     make(map[memberKey]domain.Member),
		entries:     make(map[string][]domain.Entry),
		claims:      make(map[string]domain.ClaimCode),
		keys:        make(map[domain.IdempotencyKey]domain.IdempotencyRecord),
	}
}

// PutProgram registers or replaces a program.
func (s *Store) PutProgram(p domain.Program) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	s.programs[p.ID] = p
}

// PutCredential binds an API key hash to a program.
func (s *Store) PutCredential(keyHash, programID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials[keyHash] = programID
}

// RevokeCredential makes keyHash unresolvable.
func (s *Store) RevokeCredential(keyHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.credentials, keyHash)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	tx := newTx(s)

	defer func() {
		r := recover()
		if r != nil {
			tx.rollback()
			panic(r)
		}
	}()

	err = fn(tx)
	if err != nil {
		tx.rollback()

		return fmt.Errorf("fn: %w", err)
	}

	tx.commit()

	return nil
}

func (s *Store) Program(_ context.Context, programID string) (domain.Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.programs[programID]
	if !ok {
		return domain.Program{}, store.ErrProgramNotFound
	}

	return p, nil
}

func (s *Store) ProgramByCredential(_ context.Context, keyHash string) (domain.Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.credentials[keyHash]
	if !ok {
		return domain.Program{}, store.ErrCredentialNotFound
	}

	p, ok := s.programs[id]
	if !ok {
		return domain.Program{}, store.ErrCredentialNotFound
	}

	return p, nil
}

func (s *Store) Member(_ context.Context, programID, externalID string) (domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberKey{programID, externalID}]
	if !ok {
		return domain.Member{}, store.ErrMemberNotFound
	}

	return m, nil
}

func (s *Store) Entries(_ context.Context, memberID string) ([]domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.entries[memberID]), nil
}

func (s *Store) ClaimCode(_ context.Context, code string) (domain.ClaimCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[code]
	if !ok {
		return domain.ClaimCode{}, store.ErrClaimNotFound
	}

	return c, nil
}

func (s *Store) PurgeIdempotency(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64

	for k, rec := range s.keys {
		if rec.CreatedAt.Before(olderThan) {
			delete(s.keys, k)
			n++
		}
	}

	return n, nil
}

// rowLock is a one-slot semaphore. refs counts holders and waiters; the entry
// is dropped from the map when it reaches zero.
type rowLock struct {
	ch   chan struct{}
	refs int
}

func (s *Store) ref(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		l = &rowLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}

	l.refs++

	return l.ch
}

func (s *Store) unref(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		return
	}

	l.refs--
	if l.refs <= 0 {
		delete(s.locks, key)
	}
}

// acquire blocks until key is free, ctx ends, or the lock wait passes. The
// wait is the store's lock timeout unless ctx carries store.WithLockWait.
func (s *Store) acquire(ctx context.Context, key string) error {
	l := s.ref(key)

	select {
	case l <- struct{}{}:
		return nil
	default:
	}

	wait := store.LockWait(ctx, s.lockTimeout)

	var timeout <-chan time.Time

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		timeout = timer.C
	}

	select {
	case l <- struct{}{}:
		return nil
	case <-timeout:
		s.unref(key)

		return fmt.Errorf("%w: lock wait on %s exceeded %s", domain.ErrConflict, key, wait)
	case <-ctx.Done():
		s.unref(key)

		return fmt.Errorf("lock wait on %s: %w", key, ctx.Err())
	}
}

func (s *Store) tryAcquire(key string) bool {
	select {
	case s.ref(key) <- struct{}{}:
		return true
	default:
		s.unref(key)

		return false
	}
}

func (s *Store) release(key string) {
	s.mu.Lock()
	l := s.locks[key]
	s.mu.Unlock()

	<-l.ch
	s.unref(key)
}

