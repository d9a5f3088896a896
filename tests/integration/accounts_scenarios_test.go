// Package integration exercises AccountsManager end to end against
// in-memory fakes of every collaborator, covering spec.md §8's S1-S6
// scenarios without a live Postgres/Cassandra/HTTP backend.
package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"accountsd/internal/core/accounts"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-memory PrimaryStore satisfying the
// freshly-inserted/contested semantics AccountsManager depends on.
type fakeStore struct {
	mu        sync.Mutex
	byACI     map[uuid.UUID]*accounts.Account
	byNumber  map[string]uuid.UUID
	byPNI     map[uuid.UUID]uuid.UUID
	byUser    map[string]uuid.UUID
	contested map[uuid.UUID]int // remaining forced-contested responses
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byACI:     make(map[uuid.UUID]*accounts.Account),
		byNumber:  make(map[string]uuid.UUID),
		byPNI:     make(map[uuid.UUID]uuid.UUID),
		byUser:    make(map[string]uuid.UUID),
		contested: make(map[uuid.UUID]int),
	}
}

func (s *fakeStore) Create(ctx context.Context, a *accounts.Account) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingACI, ok := s.byNumber[a.Number]; ok {
		existing := s.byACI[existingACI]
		a.ACI = existing.ACI
		existing.Devices = a.Devices
		existing.Version++
		return false, nil
	}
	clone := *a
	clone.Version = 1
	s.byACI[a.ACI] = &clone
	s.byNumber[a.Number] = a.ACI
	s.byPNI[a.PNI] = a.ACI
	return true, nil
}

func (s *fakeStore) Update(ctx context.Context, a *accounts.Account) error {
	return s.writeBack(a)
}

func (s *fakeStore) ChangeNumber(ctx context.Context, a *accounts.Account, newNumber string, newPNI uuid.UUID) error {
	s.mu.Lock()
	delete(s.byNumber, a.Number)
	delete(s.byPNI, a.PNI)
	s.mu.Unlock()
	a.Number = newNumber
	a.PNI = newPNI
	if err := s.writeBack(a); err != nil {
		return err
	}
	s.mu.Lock()
	s.byNumber[newNumber] = a.ACI
	s.byPNI[newPNI] = a.ACI
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) SetUsername(ctx context.Context, a *accounts.Account, canonical string) error {
	a.Username = &canonical
	if err := s.writeBack(a); err != nil {
		return err
	}
	s.mu.Lock()
	s.byUser[canonical] = a.ACI
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) ClearUsername(ctx context.Context, a *accounts.Account) error {
	a.Username = nil
	return s.writeBack(a)
}

func (s *fakeStore) writeBack(a *accounts.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.contested[a.ACI]; n > 0 {
		s.contested[a.ACI] = n - 1
		return accounts.ErrContested
	}
	stored, ok := s.byACI[a.ACI]
	if !ok || stored.Version != a.Version {
		return accounts.ErrContested
	}
	clone := *a
	clone.Version++
	s.byACI[a.ACI] = &clone
	return nil
}

func (s *fakeStore) GetByE164(ctx context.Context, number string) (*accounts.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	aci, ok := s.byNumber[number]
	if !ok {
		return nil, accounts.ErrAccountNotFound
	}
	return s.byACI[aci], nil
}

func (s *fakeStore) GetByPNI(ctx context.Context, pni uuid.UUID) (*accounts.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	aci, ok := s.byPNI[pni]
	if !ok {
		return nil, accounts.ErrAccountNotFound
	}
	return s.byACI[aci], nil
}

func (s *fakeStore) GetByUsername(ctx context.Context, username string) (*accounts.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	aci, ok := s.byUser[username]
	if !ok {
		return nil, accounts.ErrAccountNotFound
	}
	return s.byACI[aci], nil
}

func (s *fakeStore) GetByACI(ctx context.Context, aci uuid.UUID) (*accounts.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byACI[aci]
	if !ok {
		return nil, accounts.ErrAccountNotFound
	}
	return a, nil
}

func (s *fakeStore) GetAllFromStart(ctx context.Context, limit int) ([]*accounts.Account, error) {
	return nil, nil
}

func (s *fakeStore) GetAllFrom(ctx context.Context, cursor uuid.UUID, limit int) ([]*accounts.Account, error) {
	return nil, nil
}

func (s *fakeStore) Delete(ctx context.Context, aci uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byACI[aci]
	if !ok {
		return accounts.ErrAccountNotFound
	}
	delete(s.byACI, aci)
	delete(s.byNumber, a.Number)
	delete(s.byPNI, a.PNI)
	return nil
}

// fakeCache is a no-op passthrough: every lookup misses, forcing every
// read through the store, which is all these scenarios need.
type fakeCache struct{}

func (fakeCache) Set(context.Context, *accounts.Account)                        {}
func (fakeCache) Delete(context.Context, *accounts.Account)                     {}
func (fakeCache) GetByACI(context.Context, uuid.UUID) (*accounts.Account, bool) { return nil, false }
func (fakeCache) GetBySecondary(context.Context, string) (*accounts.Account, bool) {
	return nil, false
}

type fakePNI struct {
	mu   sync.Mutex
	next map[string]uuid.UUID
}

func newFakePNI() *fakePNI { return &fakePNI{next: make(map[string]uuid.UUID)} }

func (p *fakePNI) PniFor(ctx context.Context, number string) (uuid.UUID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pni, ok := p.next[number]; ok {
		return pni, nil
	}
	pni := uuid.New()
	p.next[number] = pni
	return pni, nil
}

type directoryCall struct {
	kind       string
	aci        uuid.UUID
	oldNumber  string
	newNumber  string
}

type fakeDirectoryQueue struct {
	mu    sync.Mutex
	calls []directoryCall
}

func (q *fakeDirectoryQueue) DeleteAccount(ctx context.Context, a *accounts.Account) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, directoryCall{kind: "delete", aci: a.ACI})
}

func (q *fakeDirectoryQueue) RefreshAccount(ctx context.Context, a *accounts.Account) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, directoryCall{kind: "refresh", aci: a.ACI})
}

func (q *fakeDirectoryQueue) ChangePhoneNumber(ctx context.Context, a *accounts.Account, oldNumber, newNumber string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, directoryCall{kind: "changeNumber", aci: a.ACI, oldNumber: oldNumber, newNumber: newNumber})
}

func (q *fakeDirectoryQueue) snapshot() []directoryCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]directoryCall(nil), q.calls...)
}

// delayedFuture resolves after d with err.
func delayedFuture(d time.Duration, err error) <-chan error {
	ch := make(chan error, 1)
	go func() {
		time.Sleep(d)
		ch <- err
		close(ch)
	}()
	return ch
}

type fakeAsyncService struct {
	delay time.Duration
	mu    sync.Mutex
	calls int
}

func (f *fakeAsyncService) invoke() <-chan error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return delayedFuture(f.delay, nil)
}

type recorder struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (r *recorder) record(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
}

func (r *recorder) count(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == id {
			n++
		}
	}
	return n
}

type fakeMessages struct{ recorder }

func (f *fakeMessages) Clear(ctx context.Context, id uuid.UUID) error { f.record(id); return nil }

type fakePrekeys struct{ recorder }

func (f *fakePrekeys) Delete(ctx context.Context, id uuid.UUID) error { f.record(id); return nil }

type fakeProfiles struct{ recorder }

func (f *fakeProfiles) DeleteAll(ctx context.Context, aci uuid.UUID) error { f.record(aci); return nil }

type fakePendingAccounts struct{}

func (fakePendingAccounts) Remove(ctx context.Context, number string) error { return nil }

type fakeReservedUsernames struct{}

func (fakeReservedUsernames) IsReserved(ctx context.Context, canonical string, aci uuid.UUID) (bool, error) {
	return false, nil
}

type fakeUsernameValidator struct{}

func (fakeUsernameValidator) Canonical(raw string) (string, error) { return raw, nil }

type fakePresence struct{ recorder }

func (f *fakePresence) DisconnectPresence(ctx context.Context, aci uuid.UUID, deviceID uint32) error {
	f.record(aci)
	return nil
}

type fakeClock struct{ t time.Time }

func (c fakeClock) Now() time.Time { return c.t }

type harness struct {
	store          *fakeStore
	pni            *fakePNI
	directoryQueue *fakeDirectoryQueue
	messages       *fakeMessages
	prekeys        *fakePrekeys
	profiles       *fakeProfiles
	presence       *fakePresence
	secureStorage  *fakeAsyncService
	secureBackup   *fakeAsyncService
	manager        *accounts.AccountsManager
}

func newHarness(storageDelay, backupDelay time.Duration) *harness {
	h := &harness{
		store:          newFakeStore(),
		pni:            newFakePNI(),
		directoryQueue: &fakeDirectoryQueue{},
		messages:       &fakeMessages{},
		prekeys:        &fakePrekeys{},
		profiles:       &fakeProfiles{},
		presence:       &fakePresence{},
		secureStorage:  &fakeAsyncService{delay: storageDelay},
		secureBackup:   &fakeAsyncService{delay: backupDelay},
	}
	h.manager = accounts.NewAccountsManager(accounts.Deps{
		Store:          h.store,
		Cache:          fakeCache{},
		PNI:            h.pni,
		DeletedGate:    accounts.NewDeletedAccountsGate(),
		DirectoryQueue: h.directoryQueue,
		SecureStorage: secureStorageFunc(func(ctx context.Context, aci uuid.UUID) <-chan error {
			return h.secureStorage.invoke()
		}),
		SecureBackup: secureBackupFunc(func(ctx context.Context, aci uuid.UUID) <-chan error {
			return h.secureBackup.invoke()
		}),
		Messages:          h.messages,
		Prekeys:           h.prekeys,
		Profiles:          h.profiles,
		PendingAccounts:   fakePendingAccounts{},
		ReservedUsernames: fakeReservedUsernames{},
		UsernameValidator: fakeUsernameValidator{},
		Presence:          h.presence,
		Clock:             fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	})
	return h
}

type secureStorageFunc func(ctx context.Context, aci uuid.UUID) <-chan error

func (f secureStorageFunc) DeleteStoredData(ctx context.Context, aci uuid.UUID) <-chan error { return f(ctx, aci) }

type secureBackupFunc func(ctx context.Context, aci uuid.UUID) <-chan error

func (f secureBackupFunc) DeleteBackups(ctx context.Context, aci uuid.UUID) <-chan error { return f(ctx, aci) }

func discoverableAttrs() accounts.RegistrationAttrs {
	return accounts.RegistrationAttrs{DiscoverableByPhoneNumber: true, RegistrationID: 42, DeviceName: "n", FetchesMessages: true}
}

// S1: new registration.
func TestScenario_NewRegistration(t *testing.T) {
	h := newHarness(0, 0)
	ctx := context.Background()

	a, err := h.manager.Create(ctx, "+15550100", "pw", "agent", discoverableAttrs(), nil)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, a.ACI)
	assert.NotEqual(t, uuid.Nil, a.PNI)
	assert.Len(t, a.Devices, 1)
	assert.Equal(t, 0, h.profiles.count(a.ACI))
	assert.Equal(t, 0, h.prekeys.count(a.ACI))
	assert.Equal(t, 0, h.messages.count(a.ACI))
}

// S2: re-registration of a live account clears the displaced residue.
func TestScenario_ReRegistrationOfLiveAccount(t *testing.T) {
	h := newHarness(0, 0)
	ctx := context.Background()

	first, err := h.manager.Create(ctx, "+15550100", "pw", "agent", discoverableAttrs(), nil)
	require.NoError(t, err)

	second, err := h.manager.Create(ctx, "+15550100", "pw2", "agent", discoverableAttrs(), nil)
	require.NoError(t, err)

	assert.Equal(t, first.ACI, second.ACI)
	assert.Equal(t, 1, h.profiles.count(first.ACI))
	assert.Equal(t, 1, h.prekeys.count(first.ACI))
	assert.Equal(t, 1, h.messages.count(first.ACI))
}

// S3: re-registration of a recently-deleted account reclaims its identity
// without clearing anything (there is nothing live left to clear). The only
// profile/prekey clears recorded for the ACI are the ones Delete made.
func TestScenario_ReRegistrationOfRecentlyDeletedAccount(t *testing.T) {
	h := newHarness(0, 0)
	ctx := context.Background()

	created, err := h.manager.Create(ctx, "+15550100", "pw", "agent", discoverableAttrs(), nil)
	require.NoError(t, err)

	require.NoError(t, h.manager.Delete(ctx, created, accounts.DeletionReasonUserRequest))

	reclaimed, err := h.manager.Create(ctx, "+15550100", "pw2", "agent", discoverableAttrs(), nil)
	require.NoError(t, err)

	assert.Equal(t, created.ACI, reclaimed.ACI)
	assert.Equal(t, 1, h.profiles.count(created.ACI))
	assert.Equal(t, 1, h.prekeys.count(created.ACI))
}

// S4: changeNumber displaces another live account holding the target number.
func TestScenario_ChangeNumberDisplacesLiveAccount(t *testing.T) {
	h := newHarness(0, 0)
	ctx := context.Background()

	accA, err := h.manager.Create(ctx, "+15550100", "pw", "agent", discoverableAttrs(), nil)
	require.NoError(t, err)
	accB, err := h.manager.Create(ctx, "+15550200", "pw", "agent", discoverableAttrs(), nil)
	require.NoError(t, err)

	updated, err := h.manager.ChangeNumber(ctx, accA, "+15550200")
	require.NoError(t, err)
	assert.Equal(t, "+15550200", updated.Number)

	_, err = h.store.GetByACI(ctx, accB.ACI)
	assert.ErrorIs(t, err, accounts.ErrAccountNotFound)

	_, err = h.store.GetByE164(ctx, "+15550100")
	assert.ErrorIs(t, err, accounts.ErrAccountNotFound)

	calls := h.directoryQueue.snapshot()
	last := calls[len(calls)-1]
	assert.Equal(t, "changeNumber", last.kind)
	assert.Equal(t, "+15550100", last.oldNumber)
	assert.Equal(t, "+15550200", last.newNumber)

	var sawDisplacedDelete bool
	for _, c := range calls {
		if c.kind == "delete" && c.aci == accB.ACI {
			sawDisplacedDelete = true
		}
	}
	assert.True(t, sawDisplacedDelete, "displaced account B must be announced deleted to the directory")
}

// S5: optimistic retry — a contested write refetches and succeeds.
func TestScenario_OptimisticRetryOnContention(t *testing.T) {
	h := newHarness(0, 0)
	ctx := context.Background()

	a, err := h.manager.Create(ctx, "+15550100", "pw", "agent", discoverableAttrs(), nil)
	require.NoError(t, err)

	h.store.mu.Lock()
	h.store.contested[a.ACI] = 1
	h.store.mu.Unlock()

	updated, err := h.manager.Update(ctx, a, func(acc *accounts.Account) bool {
		acc.DiscoverableByPhoneNumber = false
		return true
	})
	require.NoError(t, err)
	assert.False(t, updated.DiscoverableByPhoneNumber)
}

// S6: deletion awaits both async services before the row is removed.
func TestScenario_DeleteAwaitsBothAsyncServices(t *testing.T) {
	h := newHarness(100*time.Millisecond, 200*time.Millisecond)
	ctx := context.Background()

	a, err := h.manager.Create(ctx, "+15550100", "pw", "agent", discoverableAttrs(), nil)
	require.NoError(t, err)

	start := time.Now()
	err = h.manager.Delete(ctx, a, accounts.DeletionReasonAdminDeleted)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)

	_, err = h.store.GetByACI(ctx, a.ACI)
	assert.ErrorIs(t, err, accounts.ErrAccountNotFound)
	assert.Equal(t, 1, h.presence.count(a.ACI))
}
