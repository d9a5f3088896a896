package accounts

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"
)

// Delete tears down a's account entirely and tombstones its ACI against
// a's number so a same-day re-registration can reclaim it (§4.5 delete,
// §4.6 C6). reason is recorded on the deletion metric.
func (m *AccountsManager) Delete(ctx context.Context, a *Account, reason DeletionReason) error {
	return m.deletedGate.LockAndPut(ctx, a.Number, func() (uuid.UUID, error) {
		if err := m.innerDelete(ctx, a); err != nil {
			return uuid.Nil, err
		}

		m.directoryQueue.DeleteAccount(ctx, a)

		m.metrics.Inc(map[string]string{
			"op":      "delete",
			"reason":  string(reason),
			"country": countryCodeFor(a.Number),
		})

		return a.ACI, nil
	})
}

// innerDelete removes every trace of a from every collaborator store:
// secure storage and secure backup run concurrently as the two
// asynchronous services spec.md §6 models as single-result futures;
// everything else runs sequentially since none of it is otherwise
// contended. Presence disconnects are best-effort per device and never
// abort the delete.
func (m *AccountsManager) innerDelete(ctx context.Context, a *Account) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return <-m.secureStorage.DeleteStoredData(gctx, a.ACI) })
	g.Go(func() error { return <-m.secureBackup.DeleteBackups(gctx, a.ACI) })

	if err := m.messages.Clear(ctx, a.ACI); err != nil {
		return fmt.Errorf("accounts: delete: clear messages for aci: %w", err)
	}
	if err := m.messages.Clear(ctx, a.PNI); err != nil {
		return fmt.Errorf("accounts: delete: clear messages for pni: %w", err)
	}
	if err := m.prekeys.Delete(ctx, a.ACI); err != nil {
		return fmt.Errorf("accounts: delete: clear prekeys for aci: %w", err)
	}
	if err := m.prekeys.Delete(ctx, a.PNI); err != nil {
		return fmt.Errorf("accounts: delete: clear prekeys for pni: %w", err)
	}
	if err := m.profiles.DeleteAll(ctx, a.ACI); err != nil {
		return fmt.Errorf("accounts: delete: clear profile: %w", err)
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("accounts: delete: async teardown: %w", err)
	}

	if err := m.store.Delete(ctx, a.ACI); err != nil {
		return fmt.Errorf("accounts: delete: remove row: %w", err)
	}
	m.cache.Delete(ctx, a)

	for i := range a.Devices {
		if err := m.presence.DisconnectPresence(ctx, a.ACI, a.Devices[i].ID); err != nil {
			m.logger.WarnContext(ctx, "[ACCOUNTS] failed to disconnect presence during delete",
				"aci", a.ACI, "device_id", a.Devices[i].ID, "error", err)
		}
	}

	return nil
}
