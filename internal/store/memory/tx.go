package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/store"
	"github.com/google/uuid"
)

var _ store.Tx = (*memTx)(nil)

type memTx struct {
	s       *Store
	held    []string
	members map[memberKey]domain.Member
	entries []domain.Entry
	claims  map[string]domain.ClaimCode
	keys    map[domain.IdempotencyKey]domain.IdempotencyRecord
}

func newTx(s *Store) *memTx {
	return &memTx{
		s:       s,
		members: make(map[memberKey]domain.Member),
		claims:  make(map[string]domain.ClaimCode),
		keys:    make(map[domain.IdempotencyKey]domain.IdempotencyRecord),
	}
}

func memberLockKey(k memberKey) string { return "member/" + k.programID + "/" + k.externalID }
func claimLockKey(code string) string { return "claim/" + code }
func idemLockKey(k domain.IdempotencyKey) string {
	return "idempotency/" + k.ProgramID + "/" + k.Token
}

func (t *memTx) holds(key string) bool {
	return slices.Contains(t.held, key)
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if t.holds(key) {
		return nil
	}

	err := t.s.acquire(ctx, key)
	if err != nil {
		return err
	}

	t.held = append(t.held, key)

	return nil
}

func (t *memTx) commit() {
	t.s.mu.Lock()

	for k, m := range t.members {
		t.s.members[k] = m
	}

	for _, e := range t.entries {
		t.s.entries[e.MemberID] = append(t.s.entries[e.MemberID], e)
	}

	for code, c := range t.claims {
		t.s.claims[code] = c
	}

	for k, rec := range t.keys {
		t.s.keys[k] = rec
	}

	t.s.mu.Unlock()

	t.releaseAll()
}

func (t *memTx) rollback() {
	t.releaseAll()
}

func (t *memTx) releaseAll() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.s.release(t.held[i])
	}

	t.held = nil
}

func (t *memTx) Program(ctx context.Context, programID string) (domain.Program, error) {
	return t.s.Program(ctx, programID)
}

func (t *memTx) member(k memberKey) (domain.Member, bool) {
	if m, ok := t.members[k]; ok {
		return m, true
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	m, ok := t.s.members[k]

	return m, ok
}

func (t *memTx) EnsureMember(ctx context.Context, programID, externalID string) (bool, error) {
	k := memberKey{programID, externalID}

	err := t.lock(ctx, memberLockKey(k))
	if err != nil {
		return false, err
	}

	if _, ok := t.member(k); ok {
		return false, nil
	}

	_, err = t.s.Program(ctx, programID)
	if err != nil {
		return false, fmt.Errorf("insert member: %w", err)
	}

	now := time.Now()
	t.members[k] = domain.Member{
		ID:         uuid.NewString(),
		ProgramID:  programID,
		ExternalID: externalID,
		Tier:       domain.TierBronze,
		Status:     domain.MemberActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	return true, nil
}

func (t *memTx) LockMember(ctx context.Context, programID, externalID string) (domain.Member, error) {
	k := memberKey{programID, externalID}

	err := t.lock(ctx, memberLockKey(k))
	if err != nil {
		return domain.Member{}, err
	}

	m, ok := t.member(k)
	if !ok {
		return domain.Member{}, store.ErrMemberNotFound
	}

	return m, nil
}

func (t *memTx) UpdateMember(_ context.Context, m domain.Member) error {
	k := memberKey{m.ProgramID, m.ExternalID}

	if !t.holds(memberLockKey(k)) {
		return fmt.Errorf("update member %s: row not locked", m.ID)
	}

	if _, ok := t.member(k); !ok {
		return store.ErrMemberNotFound
	}

	if m.Balance < 0 || m.CumulativeSpend < 0 {
		return fmt.Errorf("update member %s: balance and spend must be non-negative", m.ID)
	}

	m.UpdatedAt = time.Now()
	t.members[k] = m

	return nil
}

func (t *memTx) AppendEntry(_ context.Context, e domain.Entry) (domain.Entry, error) {
	if e.NewBalance != e.PrevBalance+e.Amount || e.NewBalance < 0 {
		return domain.Entry{}, fmt.Errorf("insert entry: inconsistent balances %d%+d=%d", e.PrevBalance, e.Amount, e.NewBalance)
	}

	if e.IdempotencyToken != "" {
		dup := func(x domain.Entry) bool {
			return x.MemberID == e.MemberID && x.IdempotencyToken == e.IdempotencyToken
		}

		t.s.mu.Lock()
		committed := slices.ContainsFunc(t.s.entries[e.MemberID], dup)
		t.s.mu.Unlock()

		if committed || slices.ContainsFunc(t.entries, dup) {
			return domain.Entry{}, store.ErrDuplicateEntry
		}
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	e.CreatedAt = time.Now()
	t.entries = append(t.entries, e)

	return e, nil
}

func (t *memTx) claim(code string) (domain.ClaimCode, bool) {
	if c, ok := t.claims[code]; ok {
		return c, true
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	c, ok := t.s.claims[code]

	return c, ok
}

func (t *memTx) InsertClaimCode(ctx context.Context, c domain.ClaimCode) (domain.ClaimCode, error) {
	err := t.lock(ctx, claimLockKey(c.Code))
	if err != nil {
		return domain.ClaimCode{}, err
	}

	if _, ok := t.claim(c.Code); ok {
		return domain.ClaimCode{}, store.ErrDuplicateCode
	}

	if c.Status == "" {
		c.Status = domain.ClaimIssued
	}

	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	t.claims[c.Code] = c

	return c, nil
}

func (t *memTx) LockClaimCode(ctx context.Context, code string) (domain.ClaimCode, error) {
	err := t.lock(ctx, claimLockKey(code))
	if err != nil {
		return domain.ClaimCode{}, err
	}

	c, ok := t.claim(code)
	if !ok {
		return domain.ClaimCode{}, store.ErrClaimNotFound
	}

	return c, nil
}

func (t *memTx) UpdateClaimCode(_ context.Context, c domain.ClaimCode) error {
	if !t.holds(claimLockKey(c.Code)) {
		return fmt.Errorf("update claim code %s: row not locked", c.Code)
	}

	cur, ok := t.claim(c.Code)
	if !ok || cur.Status != domain.ClaimIssued {
		return fmt.Errorf("update claim code %s: %w", c.Code, store.ErrClaimNotFound)
	}

	if c.Status == domain.ClaimInstalled && c.InstallURL == "" {
		return fmt.Errorf("update claim code %s: installed without install url", c.Code)
	}

	c.UpdatedAt = time.Now()
	t.claims[c.Code] = c

	return nil
}

func (t *memTx) ExpireDueClaimCodes(_ context.Context, now time.Time, limit int) ([]string, error) {
	t.s.mu.Lock()

	due := make([]domain.ClaimCode, 0)

	for _, c := range t.s.claims {
		if c.Status == domain.ClaimIssued && c.ExpiredAt(now) {
			due = append(due, c)
		}
	}

	t.s.mu.Unlock()

	slices.SortFunc(due, func(a, b domain.ClaimCode) int { return a.ExpiresAt.Compare(*b.ExpiresAt) })

	codes := make([]string, 0)

	for _, c := range due {
		if limit > 0 && len(codes) >= limit {
			break
		}

		key := claimLockKey(c.Code)
		if !t.holds(key) {
			if !t.s.tryAcquire(key) {
				continue
			}

			t.held = append(t.held, key)
		}

		// re-read under the lock; a holder may have committed a transition
		cur, ok := t.claim(c.Code)
		if !ok || cur.Status != domain.ClaimIssued {
			continue
		}

		cur.Status = domain.ClaimExpired
		cur.UpdatedAt = time.Now()
		t.claims[c.Code] = cur
		codes = append(codes, c.Code)
	}

	return codes, nil
}

func (t *memTx) ClaimIdempotency(ctx context.Context, key domain.IdempotencyKey, operation string) (domain.IdempotencyRecord, bool, error) {
	err := t.lock(ctx, idemLockKey(key))
	if err != nil {
		return domain.IdempotencyRecord{}, false, err
	}

	t.s.mu.Lock()
	rec, ok := t.s.keys[key]
	t.s.mu.Unlock()

	if ok {
		return rec, false, nil
	}

	if rec, ok := t.keys[key]; ok {
		return rec, false, nil
	}

	rec = domain.IdempotencyRecord{Key: key, Operation: operation, CreatedAt: time.Now()}
	t.keys[key] = rec

	return rec, true, nil
}

func (t *memTx) CompleteIdempotency(_ context.Context, rec domain.IdempotencyRecord) error {
	cur, ok := t.keys[rec.Key]
	if !ok {
		return fmt.Errorf("store response: key %s/%s was not claimed", rec.Key.ProgramID, rec.Key.Token)
	}

	cur.Status = rec.Status
	cur.Body = slices.Clone(rec.Body)
	t.keys[rec.Key] = cur

	return nil
}
