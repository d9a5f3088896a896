package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"accountsd/internal/core/accounts/retry"
	"accountsd/internal/metrics"

	"github.com/google/uuid"
)

// DeletionReason classifies why an account was deleted, for the deletion
// metric required by spec.md §4.5.
type DeletionReason string

const (
	DeletionReasonUserRequest   DeletionReason = "user-request"
	DeletionReasonAdminDeleted  DeletionReason = "admin"
	DeletionReasonServerDeleted DeletionReason = "server-deleted"
)

// RegistrationAttrs carries the directory/authn metadata supplied at
// account creation (spec.md §3).
type RegistrationAttrs struct {
	UnidentifiedAccessKey          []byte
	RegistrationID                 uint32
	Capabilities                   map[string]bool
	UnrestrictedUnidentifiedAccess bool
	RegistrationLock               bool
	DiscoverableByPhoneNumber      bool
	FetchesMessages                bool
	UserAgent                      string
	DeviceName                     string
}

// Deps bundles every collaborator AccountsManager (C5) requires (§6).
type Deps struct {
	Store             PrimaryStore
	Cache             Cache
	PNI               PNIDirectory
	DeletedGate       DeletedAccountsGate
	DirectoryQueue    DirectoryQueue
	SecureStorage     SecureStorage
	SecureBackup      SecureBackup
	Messages          MessagesManager
	Prekeys           PrekeyStore
	Profiles          ProfilesManager
	PendingAccounts   PendingAccountsStore
	ReservedUsernames ReservedUsernames
	UsernameValidator UsernameValidator
	Presence          PresenceManager
	Clock             Clock
	Metrics           metrics.Counter
	Logger            *slog.Logger
}

// AccountsManager is the lifecycle coordinator (C5): the public surface
// through which account records are created, mutated, looked up,
// renumbered, and deleted.
type AccountsManager struct {
	store             PrimaryStore
	cache             Cache
	pni               PNIDirectory
	deletedGate       DeletedAccountsGate
	directoryQueue    DirectoryQueue
	secureStorage     SecureStorage
	secureBackup      SecureBackup
	messages          MessagesManager
	prekeys           PrekeyStore
	profiles          ProfilesManager
	pendingAccounts   PendingAccountsStore
	reservedUsernames ReservedUsernames
	usernameValidator UsernameValidator
	presence          PresenceManager
	clock             Clock
	metrics           metrics.Counter
	logger            *slog.Logger
}

// NewAccountsManager constructs the coordinator from its collaborators,
// in the teacher's NewUserService(narrow-deps...) idiom.
func NewAccountsManager(d Deps) *AccountsManager {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := d.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	return &AccountsManager{
		store:             d.Store,
		cache:             d.Cache,
		pni:               d.PNI,
		deletedGate:       d.DeletedGate,
		directoryQueue:    d.DirectoryQueue,
		secureStorage:     d.SecureStorage,
		secureBackup:      d.SecureBackup,
		messages:          d.Messages,
		prekeys:           d.Prekeys,
		profiles:          d.Profiles,
		pendingAccounts:   d.PendingAccounts,
		reservedUsernames: d.ReservedUsernames,
		usernameValidator: d.UsernameValidator,
		presence:          d.Presence,
		clock:             d.Clock,
		metrics:           m,
		logger:            logger,
	}
}

// Create registers a new account for number, or re-registers an existing
// one, or reclaims a recently-deleted account's identity (§4.5 create).
func (m *AccountsManager) Create(
	ctx context.Context,
	number, password, agent string,
	attrs RegistrationAttrs,
	badges []Badge,
) (*Account, error) {
	var result *Account

	err := m.deletedGate.LockAndTake(ctx, number, func(maybeRecentlyDeletedACI uuid.UUID) error {
		aci := maybeRecentlyDeletedACI
		if aci == uuid.Nil {
			aci = uuid.New()
		}

		pni, err := m.pni.PniFor(ctx, number)
		if err != nil {
			return fmt.Errorf("accounts: create: resolve pni: %w", err)
		}

		now := m.clock.Now()
		a := &Account{
			ACI:                            aci,
			PNI:                            pni,
			Number:                         number,
			UnidentifiedAccessKey:          attrs.UnidentifiedAccessKey,
			UnrestrictedUnidentifiedAccess: attrs.UnrestrictedUnidentifiedAccess,
			RegistrationLock:               attrs.RegistrationLock,
			DiscoverableByPhoneNumber:      attrs.DiscoverableByPhoneNumber,
			Badges:                         badges,
			CreatedAt:                      now,
			Devices: []Device{{
				ID:              PrimaryDeviceID,
				AuthToken:       password,
				RegistrationID:  attrs.RegistrationID,
				Capabilities:    attrs.Capabilities,
				CreatedAt:       now,
				LastSeen:        now,
				FetchesMessages: attrs.FetchesMessages,
				UserAgent:       agent,
				Name:            attrs.DeviceName,
			}},
		}

		originalACI := a.ACI
		fresh, err := m.store.Create(ctx, a)
		if err != nil {
			return fmt.Errorf("accounts: create: %w", err)
		}

		m.cache.Set(ctx, a)

		if err := m.pendingAccounts.Remove(ctx, number); err != nil {
			m.logger.WarnContext(ctx, "[ACCOUNTS] failed to clear pending verification code",
				"number", number, "error", err)
		}

		registrationType := m.classifyRegistration(ctx, fresh, maybeRecentlyDeletedACI != uuid.Nil, originalACI, a)
		m.metrics.Inc(map[string]string{
			"op":      "create",
			"type":    registrationType,
			"country": countryCodeFor(number),
		})

		if a.ShouldBeVisibleInDirectory() {
			m.directoryQueue.RefreshAccount(ctx, a)
		} else {
			m.directoryQueue.DeleteAccount(ctx, a)
		}

		result = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// classifyRegistration implements §4.5 step 7: a fresh insert is either a
// brand-new registration or a reclaimed recently-deleted identity
// (distinguished by whether a tombstone supplied the ACI); a non-fresh
// insert means a live account already held the number, and its residue
// (profile, prekeys, messages) is cleared under its displaced ACI.
func (m *AccountsManager) classifyRegistration(ctx context.Context, fresh, reclaimedTombstone bool, proposedACI uuid.UUID, a *Account) string {
	if fresh {
		if proposedACI != a.ACI {
			m.logger.ErrorContext(ctx, "[ACCOUNTS] BUG: fresh insert rewrote ACI", "proposed", proposedACI, "actual", a.ACI)
		}
		if reclaimedTombstone {
			return "recently-deleted"
		}
		return "new"
	}

	displacedACI := a.ACI
	if err := m.profiles.DeleteAll(ctx, displacedACI); err != nil {
		m.logger.ErrorContext(ctx, "[ACCOUNTS] failed to clear displaced profile on re-registration",
			"aci", displacedACI, "error", err)
	}
	if err := m.prekeys.Delete(ctx, displacedACI); err != nil {
		m.logger.ErrorContext(ctx, "[ACCOUNTS] failed to clear displaced prekeys on re-registration",
			"aci", displacedACI, "error", err)
	}
	if err := m.messages.Clear(ctx, displacedACI); err != nil {
		m.logger.ErrorContext(ctx, "[ACCOUNTS] failed to clear displaced messages on re-registration",
			"aci", displacedACI, "error", err)
	}
	return "re-registration"
}

// ChangeNumber atomically moves a onto newNumber, displacing any live
// account that already holds it (§4.5 changeNumber).
func (m *AccountsManager) ChangeNumber(ctx context.Context, a *Account, newNumber string) (*Account, error) {
	if newNumber == a.Number {
		return a, nil
	}

	oldNumber := a.Number
	var result *Account

	err := m.deletedGate.LockAndPutChangeNumber(ctx, oldNumber, newNumber,
		func(deletedACIForNewNumber uuid.UUID) (uuid.UUID, bool, error) {
			m.cache.Delete(ctx, a)

			displaced := deletedACIForNewNumber
			displacedOK := deletedACIForNewNumber != uuid.Nil

			if existing, err := m.store.GetByE164(ctx, newNumber); err == nil {
				if err := m.innerDelete(ctx, existing); err != nil {
					return uuid.Nil, false, fmt.Errorf("accounts: change number: delete displaced account: %w", err)
				}
				m.directoryQueue.DeleteAccount(ctx, existing)
				displaced = existing.ACI
				displacedOK = true
			} else if !errors.Is(err, ErrAccountNotFound) {
				return uuid.Nil, false, fmt.Errorf("accounts: change number: lookup new number: %w", err)
			}

			newPNI, err := m.pni.PniFor(ctx, newNumber)
			if err != nil {
				return uuid.Nil, false, fmt.Errorf("accounts: change number: resolve pni: %w", err)
			}

			updated, err := runOptimistic(ctx, "changeNumber", a,
				func(*Account) (bool, error) { return true, nil },
				func(ctx context.Context, acc *Account) error {
					return m.store.ChangeNumber(ctx, acc, newNumber, newPNI)
				},
				func(ctx context.Context) (*Account, error) { return m.store.GetByACI(ctx, a.ACI) },
			)
			if err != nil {
				return uuid.Nil, false, fmt.Errorf("accounts: change number: %w", err)
			}

			m.cache.Set(ctx, updated)
			m.directoryQueue.ChangePhoneNumber(ctx, updated, oldNumber, newNumber)

			result = updated
			return displaced, displacedOK, nil
		})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetUsername canonicalizes raw and assigns it to a (§4.5 setUsername).
func (m *AccountsManager) SetUsername(ctx context.Context, a *Account, raw string) (*Account, error) {
	canonical, err := m.usernameValidator.Canonical(raw)
	if err != nil {
		return nil, err
	}
	if a.HasUsername() && *a.Username == canonical {
		return a, nil
	}

	reserved, err := m.reservedUsernames.IsReserved(ctx, canonical, a.ACI)
	if err != nil {
		return nil, fmt.Errorf("accounts: set username: check reservation: %w", err)
	}
	if reserved {
		return nil, ErrUsernameNotAvailable
	}

	m.cache.Delete(ctx, a)

	return runOptimistic(ctx, "setUsername", a,
		func(*Account) (bool, error) { return true, nil },
		func(ctx context.Context, acc *Account) error { return m.store.SetUsername(ctx, acc, canonical) },
		func(ctx context.Context) (*Account, error) { return m.store.GetByACI(ctx, a.ACI) },
	)
}

// ClearUsername removes a's username (§4.5 clearUsername).
func (m *AccountsManager) ClearUsername(ctx context.Context, a *Account) (*Account, error) {
	m.cache.Delete(ctx, a)

	return runOptimistic(ctx, "clearUsername", a,
		func(*Account) (bool, error) { return true, nil },
		func(ctx context.Context, acc *Account) error { return m.store.ClearUsername(ctx, acc) },
		func(ctx context.Context) (*Account, error) { return m.store.GetByACI(ctx, a.ACI) },
	)
}

// Update applies mutator to a under optimistic retry (§4.5 update). number,
// pni, and username never change through this path; a violation is
// logged, never raised (§7), since those fields have dedicated operations.
func (m *AccountsManager) Update(ctx context.Context, a *Account, mutator func(*Account) bool) (*Account, error) {
	wasVisible := a.ShouldBeVisibleInDirectory()
	number, pni, username := a.Number, a.PNI, a.Username

	m.cache.Delete(ctx, a)

	updated, err := runOptimistic(ctx, "update", a,
		func(acc *Account) (bool, error) { return mutator(acc), nil },
		func(ctx context.Context, acc *Account) error { return m.store.Update(ctx, acc) },
		func(ctx context.Context) (*Account, error) { return m.store.GetByACI(ctx, a.ACI) },
	)
	if err != nil {
		return nil, err
	}

	if updated.Number != number || updated.PNI != pni || !sameUsername(updated.Username, username) {
		m.logger.ErrorContext(ctx, "[ACCOUNTS] BUG: update() mutated an immutable field",
			"aci", updated.ACI, "old_number", number, "new_number", updated.Number,
			"old_pni", pni, "new_pni", updated.PNI)
	}

	m.cache.Set(ctx, updated)

	if updated.ShouldBeVisibleInDirectory() != wasVisible {
		m.directoryQueue.RefreshAccount(ctx, updated)
	}

	return updated, nil
}

// runOptimistic wraps retry.Run and translates its internal
// *retry.LimitExceededError into the coordinator's own
// *RetryLimitExceededError, tagged with the operation name, so callers
// never need to know about the retry package's error type.
func runOptimistic(
	ctx context.Context,
	op string,
	a *Account,
	mutate func(*Account) (bool, error),
	persist func(context.Context, *Account) error,
	refetch func(context.Context) (*Account, error),
) (*Account, error) {
	wrappedPersist := func(ctx context.Context, acc *Account) error {
		if err := persist(ctx, acc); err != nil {
			if errors.Is(err, ErrContested) {
				return &retry.Contested{Err: err}
			}
			return err
		}
		return nil
	}
	updated, err := retry.Run[*Account](ctx, a, mutate, wrappedPersist, refetch)
	if err != nil {
		var limitExceeded *retry.LimitExceededError
		if errors.As(err, &limitExceeded) {
			return nil, &RetryLimitExceededError{Operation: op, Attempts: limitExceeded.Attempts}
		}
		return nil, err
	}
	return updated, nil
}

func sameUsername(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

// UpdateDevice locates deviceID on a and applies devMutator to it via
// Update, signaling a change whenever the device exists; an unknown
// deviceID signals no change and leaves a unchanged.
func (m *AccountsManager) UpdateDevice(ctx context.Context, a *Account, deviceID uint32, devMutator func(*Device)) (*Account, error) {
	return m.Update(ctx, a, func(acc *Account) bool {
		d := acc.Device(deviceID)
		if d == nil {
			return false
		}
		devMutator(d)
		return true
	})
}

// UpdateDeviceLastSeen is UpdateDevice specialized to avoid needless
// writes under heavy contention: it signals no change if the stored
// lastSeen is already at or after ts.
func (m *AccountsManager) UpdateDeviceLastSeen(ctx context.Context, a *Account, deviceID uint32, ts time.Time) (*Account, error) {
	return m.Update(ctx, a, func(acc *Account) bool {
		d := acc.Device(deviceID)
		if d == nil || !d.LastSeen.Before(ts) {
			return false
		}
		d.LastSeen = ts
		return true
	})
}
