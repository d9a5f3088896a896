package accounts

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PrimaryStore is the durable primary store adapter (C2). Implementations
// live in internal/db/postgres.
type PrimaryStore interface {
	// Create inserts a. If a live record already exists for a.Number, the
	// implementation instead updates that record in place with a's
	// credentials/devices, rewrites a.ACI to the existing record's ACI,
	// and returns freshlyInserted=false. It never returns an error for
	// this case — the conflict is signaled through the mutated argument.
	Create(ctx context.Context, a *Account) (freshlyInserted bool, err error)

	// Update writes a back conditional on a.Version. Returns ErrContested
	// if the stored version has since moved; bumps a.Version on success.
	Update(ctx context.Context, a *Account) error

	// ChangeNumber atomically swaps a's number and pni column plus every
	// secondary index referencing them. Same contested semantics as Update.
	ChangeNumber(ctx context.Context, a *Account, newNumber string, newPNI uuid.UUID) error

	// SetUsername atomically assigns canonical to a. Returns
	// ErrUsernameNotAvailable if another live account holds it.
	SetUsername(ctx context.Context, a *Account, canonical string) error

	// ClearUsername atomically clears a's username.
	ClearUsername(ctx context.Context, a *Account) error

	GetByE164(ctx context.Context, number string) (*Account, error)
	GetByPNI(ctx context.Context, pni uuid.UUID) (*Account, error)
	GetByUsername(ctx context.Context, username string) (*Account, error)
	GetByACI(ctx context.Context, aci uuid.UUID) (*Account, error)

	// GetAllFromStart and GetAllFrom page through every account ordered
	// by ACI, for crawler use (§4.2).
	GetAllFromStart(ctx context.Context, limit int) ([]*Account, error)
	GetAllFrom(ctx context.Context, cursor uuid.UUID, limit int) ([]*Account, error)

	// Delete removes the row and all secondary index entries for aci.
	Delete(ctx context.Context, aci uuid.UUID) error
}

// Cache is the write-through cache adapter (C3). Implementations never
// fail a caller's read or write: transport errors are logged and treated
// as a miss (§4.3, §7).
type Cache interface {
	// Set writes the JSON body and the three secondary map entries, all
	// with a common TTL. Best effort.
	Set(ctx context.Context, a *Account)

	// Delete removes the four keys derived from a. Must be called with
	// the pre-image of any secondary key that is about to change.
	Delete(ctx context.Context, a *Account)

	GetByACI(ctx context.Context, aci uuid.UUID) (*Account, bool)
	GetBySecondary(ctx context.Context, key string) (*Account, bool)
}

// PNIDirectory is the phone-number-identifier directory (C7): a total
// function that allocates a PNI for a number on first request.
type PNIDirectory interface {
	PniFor(ctx context.Context, number string) (uuid.UUID, error)
}

// DeletedAccountsGate is the per-phone-number exclusive-section gate (C6).
type DeletedAccountsGate interface {
	// LockAndTake acquires an exclusive lease on number, reads and removes
	// any tombstone for it, and passes that ACI (or uuid.Nil) to fn.
	LockAndTake(ctx context.Context, number string, fn func(maybeACI uuid.UUID) error) error

	// LockAndPut acquires an exclusive lease on number, runs fn, and
	// stores its return as the tombstone for number.
	LockAndPut(ctx context.Context, number string, fn func() (uuid.UUID, error)) error

	// LockAndPutChangeNumber acquires exclusive leases on both numbers (in
	// a stable order), reads the tombstone for newNumber, runs fn, and
	// stores the returned displaced ACI (if any) as the tombstone for
	// oldNumber.
	LockAndPutChangeNumber(ctx context.Context, oldNumber, newNumber string,
		fn func(deletedACIForNewNumber uuid.UUID) (displacedACI uuid.UUID, ok bool, err error)) error
}

// DirectoryQueue is the downstream contact-discovery propagation worker.
// DeleteAccount must be idempotent (§9).
type DirectoryQueue interface {
	DeleteAccount(ctx context.Context, a *Account)
	RefreshAccount(ctx context.Context, a *Account)
	ChangePhoneNumber(ctx context.Context, a *Account, oldNumber, newNumber string)
}

// SecureStorage and SecureBackup model the two asynchronous services
// joined during delete (§4.5, §6). Each Delete call returns a channel
// that receives exactly one value (nil on success) and is then closed —
// the minimal idiomatic Go shape for a single-result future.
type SecureStorage interface {
	DeleteStoredData(ctx context.Context, aci uuid.UUID) <-chan error
}

type SecureBackup interface {
	DeleteBackups(ctx context.Context, aci uuid.UUID) <-chan error
}

// MessagesManager clears message history for an account or PNI.
type MessagesManager interface {
	Clear(ctx context.Context, id uuid.UUID) error
}

// PrekeyStore deletes signed/one-time prekeys for an account or PNI.
type PrekeyStore interface {
	Delete(ctx context.Context, id uuid.UUID) error
}

// ProfilesManager deletes all profile data for an account.
type ProfilesManager interface {
	DeleteAll(ctx context.Context, aci uuid.UUID) error
}

// PendingAccountsStore drops pending verification codes issued for a number.
type PendingAccountsStore interface {
	Remove(ctx context.Context, number string) error
}

// ReservedUsernames answers whether a canonical username is reserved to
// an account other than aci.
type ReservedUsernames interface {
	IsReserved(ctx context.Context, canonical string, aci uuid.UUID) (bool, error)
}

// UsernameValidator canonicalizes a raw username. Pure, no I/O.
type UsernameValidator interface {
	Canonical(raw string) (string, error)
}

// PresenceManager disconnects a device's realtime presence. Best-effort;
// failures are swallowed by the caller (§4.5, §7).
type PresenceManager interface {
	DisconnectPresence(ctx context.Context, aci uuid.UUID, deviceID uint32) error
}

// Clock supplies monotonic wall-clock time for timestamps.
type Clock interface {
	Now() time.Time
}
