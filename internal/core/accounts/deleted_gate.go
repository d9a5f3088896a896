package accounts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TombstoneTTL is how long a deleted-accounts tombstone is honored before
// it stops offering its ACI back to a re-registration (spec.md §9, Open
// Question — resolved here: long enough to cover a same-day
// re-registration, short enough that a months-old deletion cannot hand a
// long-abandoned identity to a stranger who later acquires the number).
const TombstoneTTL = 24 * time.Hour

type tombstone struct {
	aci       uuid.UUID
	expiresAt time.Time
}

// deletedAccountsGate implements DeletedAccountsGate (C6) as a
// process-local per-number keyed mutex guarding a TTL'd tombstone map, in
// the sync.RWMutex-guarded-map idiom of the teacher's votes.VoteCache.
type deletedAccountsGate struct {
	mu          sync.Mutex // guards leases and tombstones
	leases      map[string]*sync.Mutex
	tombstones  map[string]tombstone
}

func NewDeletedAccountsGate() DeletedAccountsGate {
	return &deletedAccountsGate{
		leases:     make(map[string]*sync.Mutex),
		tombstones: make(map[string]tombstone),
	}
}

func (g *deletedAccountsGate) leaseFor(number string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.leases[number]
	if !ok {
		l = &sync.Mutex{}
		g.leases[number] = l
	}
	return l
}

// acquire blocks on lease.Lock() but returns promptly if ctx is cancelled,
// propagating the "interruption-style" error spec.md §5 requires.
func acquire(ctx context.Context, lease *sync.Mutex) error {
	done := make(chan struct{})
	go func() {
		lease.Lock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The goroutine above may still be waiting on Lock(); once it
		// succeeds, release the lease on behalf of the abandoned
		// operation so later callers for this number are not blocked.
		go func() {
			<-done
			lease.Unlock()
		}()
		return ctx.Err()
	}
}

func (g *deletedAccountsGate) takeTombstone(number string) uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tombstones[number]
	if !ok || time.Now().After(t.expiresAt) {
		delete(g.tombstones, number)
		return uuid.Nil
	}
	delete(g.tombstones, number)
	return t.aci
}

func (g *deletedAccountsGate) peekTombstone(number string) uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tombstones[number]
	if !ok || time.Now().After(t.expiresAt) {
		return uuid.Nil
	}
	return t.aci
}

func (g *deletedAccountsGate) putTombstone(number string, aci uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tombstones[number] = tombstone{aci: aci, expiresAt: time.Now().Add(TombstoneTTL)}
}

// LockAndTake acquires an exclusive lease on number, reads and removes any
// tombstone for it, and passes that ACI (or uuid.Nil) to fn.
func (g *deletedAccountsGate) LockAndTake(ctx context.Context, number string, fn func(maybeACI uuid.UUID) error) error {
	lease := g.leaseFor(number)
	if err := acquire(ctx, lease); err != nil {
		return &Interrupted{Op: "create", Err: err}
	}
	defer lease.Unlock()

	return fn(g.takeTombstone(number))
}

// LockAndPut acquires an exclusive lease on number, runs fn, and stores
// its return as the tombstone for number.
func (g *deletedAccountsGate) LockAndPut(ctx context.Context, number string, fn func() (uuid.UUID, error)) error {
	lease := g.leaseFor(number)
	if err := acquire(ctx, lease); err != nil {
		return &Interrupted{Op: "delete", Err: err}
	}
	defer lease.Unlock()

	aci, err := fn()
	if err != nil {
		return err
	}
	g.putTombstone(number, aci)
	return nil
}

// LockAndPutChangeNumber acquires exclusive leases on both numbers in a
// stable lexicographic order (to avoid deadlock, per §4.6), reads the
// tombstone for newNumber, runs fn, and stores the displaced ACI (if any)
// as the tombstone for oldNumber.
func (g *deletedAccountsGate) LockAndPutChangeNumber(
	ctx context.Context, oldNumber, newNumber string,
	fn func(deletedACIForNewNumber uuid.UUID) (displacedACI uuid.UUID, ok bool, err error),
) error {
	first, second := oldNumber, newNumber
	if second < first {
		first, second = second, first
	}

	firstLease, secondLease := g.leaseFor(first), g.leaseFor(second)
	if err := acquire(ctx, firstLease); err != nil {
		return &Interrupted{Op: "changeNumber", Err: err}
	}
	defer firstLease.Unlock()
	if err := acquire(ctx, secondLease); err != nil {
		return &Interrupted{Op: "changeNumber", Err: err}
	}
	defer secondLease.Unlock()

	deletedForNew := g.peekTombstone(newNumber)
	displaced, ok, err := fn(deletedForNew)
	if err != nil {
		return err
	}
	if ok {
		g.putTombstone(oldNumber, displaced)
	}
	return nil
}
