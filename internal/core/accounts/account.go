// Package accounts implements the account management coordinator: the
// single authority through which account records are created, mutated,
// looked up, renumbered, and deleted.
package accounts

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Device is one registered client of an Account. Device 1 is always the
// primary device and is created alongside the account.
type Device struct {
	CreatedAt       time.Time       `json:"createdAt"`
	LastSeen        time.Time       `json:"lastSeen"`
	Capabilities    map[string]bool `json:"capabilities"`
	AuthToken       string          `json:"authToken"`
	SaltedTokenHash string          `json:"saltedTokenHash"`
	UserAgent       string          `json:"userAgent"`
	Name            string          `json:"name"`
	ID              uint32          `json:"id"`
	RegistrationID  uint32          `json:"registrationId"`
	FetchesMessages bool            `json:"fetchesMessages"`
}

// PrimaryDeviceID is the device ID assigned to the first device of every
// newly created account.
const PrimaryDeviceID uint32 = 1

// Badge is a directory-visible award granted to an account.
type Badge struct {
	ExpiresAt time.Time `json:"expiresAt"`
	ID        string    `json:"id"`
}

// Account is the root entity of the coordinator. It is never shared
// across goroutines: callers own their own copy obtained from a lookup or
// a mutator, and the stale flag exists to catch accidental reuse of a
// copy a mutator has already superseded.
type Account struct {
	CreatedAt                      time.Time
	ACI                             uuid.UUID
	PNI                             uuid.UUID
	Number                          string
	Username                        *string
	UnidentifiedAccessKey           []byte
	Devices                         []Device
	Badges                          []Badge
	Version                         int64
	UnrestrictedUnidentifiedAccess  bool
	RegistrationLock                bool
	DiscoverableByPhoneNumber       bool
	Disabled                        bool

	stale atomic.Bool
}

// accountWire is the JSON-stable encoding of Account (§6: "field set
// stable across versions — implementers must allow unknown fields on
// read"). It excludes the unexported stale flag, which is local
// bookkeeping only and never crosses the wire.
type accountWire struct {
	CreatedAt                     time.Time `json:"createdAt"`
	ACI                            uuid.UUID `json:"aci"`
	PNI                            uuid.UUID `json:"pni"`
	Number                         string    `json:"number"`
	Username                       *string   `json:"username,omitempty"`
	UnidentifiedAccessKey          []byte    `json:"unidentifiedAccessKey,omitempty"`
	Devices                        []Device  `json:"devices"`
	Badges                         []Badge   `json:"badges,omitempty"`
	Version                        int64     `json:"version"`
	UnrestrictedUnidentifiedAccess bool      `json:"unrestrictedUnidentifiedAccess"`
	RegistrationLock               bool      `json:"registrationLock"`
	DiscoverableByPhoneNumber      bool      `json:"discoverableByPhoneNumber"`
	Disabled                       bool      `json:"disabled"`
}

// PrimaryDevice returns the account's primary device, if present.
func (a *Account) PrimaryDevice() *Device {
	return a.Device(PrimaryDeviceID)
}

// Device returns a pointer into a.Devices for the given device id, or nil.
func (a *Account) Device(id uint32) *Device {
	for i := range a.Devices {
		if a.Devices[i].ID == id {
			return &a.Devices[i]
		}
	}
	return nil
}

// ShouldBeVisibleInDirectory reports whether the account should be
// discoverable by phone number in the contact-discovery directory: true
// iff the owner opted in and the account is not disabled.
func (a *Account) ShouldBeVisibleInDirectory() bool {
	return a.DiscoverableByPhoneNumber && !a.Disabled
}

// MarkStale flips the one-way staleness flag. Any subsequent read of
// IsStale indicates the holder is working from a copy a mutator has
// already superseded; it is a defensive beacon for tests and assertions,
// never a gate enforced at runtime.
func (a *Account) MarkStale() {
	a.stale.Store(true)
}

// IsStale reports whether MarkStale has been called on this object.
func (a *Account) IsStale() bool {
	return a.stale.Load()
}

// HasUsername reports whether the account currently holds a username.
func (a *Account) HasUsername() bool {
	return a.Username != nil && *a.Username != ""
}

func (a *Account) toWire() accountWire {
	return accountWire{
		ACI:                            a.ACI,
		PNI:                            a.PNI,
		Number:                         a.Number,
		Username:                       a.Username,
		Devices:                        a.Devices,
		UnidentifiedAccessKey:          a.UnidentifiedAccessKey,
		UnrestrictedUnidentifiedAccess: a.UnrestrictedUnidentifiedAccess,
		RegistrationLock:               a.RegistrationLock,
		DiscoverableByPhoneNumber:      a.DiscoverableByPhoneNumber,
		Badges:                         a.Badges,
		Version:                        a.Version,
		Disabled:                       a.Disabled,
		CreatedAt:                      a.CreatedAt,
	}
}

func fromWire(w accountWire) *Account {
	return &Account{
		ACI:                            w.ACI,
		PNI:                            w.PNI,
		Number:                         w.Number,
		Username:                       w.Username,
		Devices:                        w.Devices,
		UnidentifiedAccessKey:          w.UnidentifiedAccessKey,
		UnrestrictedUnidentifiedAccess: w.UnrestrictedUnidentifiedAccess,
		RegistrationLock:               w.RegistrationLock,
		DiscoverableByPhoneNumber:      w.DiscoverableByPhoneNumber,
		Badges:                         w.Badges,
		Version:                        w.Version,
		Disabled:                       w.Disabled,
		CreatedAt:                      w.CreatedAt,
	}
}

// MarshalJSON implements the stable wire encoding described in §6.
func (a *Account) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.toWire())
}

// UnmarshalJSON accepts unknown fields silently, per §6's compatibility
// requirement ("implementers must allow unknown fields on read").
func (a *Account) UnmarshalJSON(data []byte) error {
	var w accountWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*a = *fromWire(w)
	return nil
}

// Clone produces a detached deep copy of a by round-tripping it through
// JSON. This is the mechanism the optimistic update engine (C4) uses to
// hand callers a fresh object that shares no mutable state with the
// stored record; a JSON encode failure here is a programming bug, not a
// transient condition, and is surfaced rather than swallowed (§7).
func (a *Account) Clone() (*Account, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("accounts: encode account for clone: %w", err)
	}
	clone := &Account{}
	if err := json.Unmarshal(data, clone); err != nil {
		return nil, fmt.Errorf("accounts: decode account for clone: %w", err)
	}
	return clone, nil
}
