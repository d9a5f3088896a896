package accounts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type mockStore struct{ mock.Mock }

func (m *mockStore) Create(ctx context.Context, a *Account) (bool, error) {
	args := m.Called(ctx, a)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Update(ctx context.Context, a *Account) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *mockStore) ChangeNumber(ctx context.Context, a *Account, newNumber string, newPNI uuid.UUID) error {
	args := m.Called(ctx, a, newNumber, newPNI)
	return args.Error(0)
}

func (m *mockStore) SetUsername(ctx context.Context, a *Account, canonical string) error {
	args := m.Called(ctx, a, canonical)
	return args.Error(0)
}

func (m *mockStore) ClearUsername(ctx context.Context, a *Account) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *mockStore) GetByE164(ctx context.Context, number string) (*Account, error) {
	args := m.Called(ctx, number)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Account), args.Error(1)
}

func (m *mockStore) GetByPNI(ctx context.Context, pni uuid.UUID) (*Account, error) {
	args := m.Called(ctx, pni)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Account), args.Error(1)
}

func (m *mockStore) GetByUsername(ctx context.Context, username string) (*Account, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Account), args.Error(1)
}

func (m *mockStore) GetByACI(ctx context.Context, aci uuid.UUID) (*Account, error) {
	args := m.Called(ctx, aci)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Account), args.Error(1)
}

func (m *mockStore) GetAllFromStart(ctx context.Context, limit int) ([]*Account, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Account), args.Error(1)
}

func (m *mockStore) GetAllFrom(ctx context.Context, cursor uuid.UUID, limit int) ([]*Account, error) {
	args := m.Called(ctx, cursor, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Account), args.Error(1)
}

func (m *mockStore) Delete(ctx context.Context, aci uuid.UUID) error {
	args := m.Called(ctx, aci)
	return args.Error(0)
}

type mockCache struct{ mock.Mock }

func (m *mockCache) Set(ctx context.Context, a *Account) { m.Called(ctx, a) }
func (m *mockCache) Delete(ctx context.Context, a *Account) { m.Called(ctx, a) }

func (m *mockCache) GetByACI(ctx context.Context, aci uuid.UUID) (*Account, bool) {
	args := m.Called(ctx, aci)
	if args.Get(0) == nil {
		return nil, args.Bool(1)
	}
	return args.Get(0).(*Account), args.Bool(1)
}

func (m *mockCache) GetBySecondary(ctx context.Context, key string) (*Account, bool) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Bool(1)
	}
	return args.Get(0).(*Account), args.Bool(1)
}

type mockPNI struct{ mock.Mock }

func (m *mockPNI) PniFor(ctx context.Context, number string) (uuid.UUID, error) {
	args := m.Called(ctx, number)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

type mockDirectoryQueue struct{ mock.Mock }

func (m *mockDirectoryQueue) DeleteAccount(ctx context.Context, a *Account) { m.Called(ctx, a) }
func (m *mockDirectoryQueue) RefreshAccount(ctx context.Context, a *Account) { m.Called(ctx, a) }
func (m *mockDirectoryQueue) ChangePhoneNumber(ctx context.Context, a *Account, oldNumber, newNumber string) {
	m.Called(ctx, a, oldNumber, newNumber)
}

type mockSecureStorage struct{ mock.Mock }

func (m *mockSecureStorage) DeleteStoredData(ctx context.Context, aci uuid.UUID) <-chan error {
	args := m.Called(ctx, aci)
	return args.Get(0).(<-chan error)
}

type mockSecureBackup struct{ mock.Mock }

func (m *mockSecureBackup) DeleteBackups(ctx context.Context, aci uuid.UUID) <-chan error {
	args := m.Called(ctx, aci)
	return args.Get(0).(<-chan error)
}

// closedErrChan returns a channel that has already delivered err.
func closedErrChan(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}

type mockMessages struct{ mock.Mock }

func (m *mockMessages) Clear(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type mockPrekeys struct{ mock.Mock }

func (m *mockPrekeys) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type mockProfiles struct{ mock.Mock }

func (m *mockProfiles) DeleteAll(ctx context.Context, aci uuid.UUID) error {
	args := m.Called(ctx, aci)
	return args.Error(0)
}

type mockPendingAccounts struct{ mock.Mock }

func (m *mockPendingAccounts) Remove(ctx context.Context, number string) error {
	args := m.Called(ctx, number)
	return args.Error(0)
}

type mockReservedUsernames struct{ mock.Mock }

func (m *mockReservedUsernames) IsReserved(ctx context.Context, canonical string, aci uuid.UUID) (bool, error) {
	args := m.Called(ctx, canonical, aci)
	return args.Bool(0), args.Error(1)
}

type mockUsernameValidator struct{ mock.Mock }

func (m *mockUsernameValidator) Canonical(raw string) (string, error) {
	args := m.Called(raw)
	return args.String(0), args.Error(1)
}

type mockPresence struct{ mock.Mock }

func (m *mockPresence) DisconnectPresence(ctx context.Context, aci uuid.UUID, deviceID uint32) error {
	args := m.Called(ctx, aci, deviceID)
	return args.Error(0)
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// newManagerFixture wires mocks into a fresh AccountsManager plus a handle
// to every mock for per-test expectation setup.
type managerFixture struct {
	store             *mockStore
	cache             *mockCache
	pni               *mockPNI
	gate              DeletedAccountsGate
	directoryQueue    *mockDirectoryQueue
	secureStorage     *mockSecureStorage
	secureBackup      *mockSecureBackup
	messages          *mockMessages
	prekeys           *mockPrekeys
	profiles          *mockProfiles
	pendingAccounts   *mockPendingAccounts
	reservedUsernames *mockReservedUsernames
	usernameValidator *mockUsernameValidator
	presence          *mockPresence
	manager           *AccountsManager
}

func newManagerFixture() *managerFixture {
	f := &managerFixture{
		store:             new(mockStore),
		cache:             new(mockCache),
		pni:               new(mockPNI),
		gate:              NewDeletedAccountsGate(),
		directoryQueue:    new(mockDirectoryQueue),
		secureStorage:     new(mockSecureStorage),
		secureBackup:      new(mockSecureBackup),
		messages:          new(mockMessages),
		prekeys:           new(mockPrekeys),
		profiles:          new(mockProfiles),
		pendingAccounts:   new(mockPendingAccounts),
		reservedUsernames: new(mockReservedUsernames),
		usernameValidator: new(mockUsernameValidator),
		presence:          new(mockPresence),
	}
	f.manager = NewAccountsManager(Deps{
		Store:             f.store,
		Cache:             f.cache,
		PNI:               f.pni,
		DeletedGate:       f.gate,
		DirectoryQueue:    f.directoryQueue,
		SecureStorage:     f.secureStorage,
		SecureBackup:      f.secureBackup,
		Messages:          f.messages,
		Prekeys:           f.prekeys,
		Profiles:          f.profiles,
		PendingAccounts:   f.pendingAccounts,
		ReservedUsernames: f.reservedUsernames,
		UsernameValidator: f.usernameValidator,
		Presence:          f.presence,
		Clock:             fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	})
	return f
}
