package accounts

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// GetByACI returns the account for aci, checking the cache first and
// populating it on a primary-store hit (§4.3 read-through).
func (m *AccountsManager) GetByACI(ctx context.Context, aci uuid.UUID) (*Account, error) {
	if cached, ok := m.cache.GetByACI(ctx, aci); ok {
		return cached, nil
	}
	a, err := m.store.GetByACI(ctx, aci)
	if err != nil {
		return nil, err
	}
	m.cache.Set(ctx, a)
	return a, nil
}

// GetByE164 returns the account registered for number.
func (m *AccountsManager) GetByE164(ctx context.Context, number string) (*Account, error) {
	return m.getBySecondary(ctx, number, func(ctx context.Context) (*Account, error) {
		return m.store.GetByE164(ctx, number)
	})
}

// GetByPNI returns the account whose phone-number identifier is pni.
func (m *AccountsManager) GetByPNI(ctx context.Context, pni uuid.UUID) (*Account, error) {
	return m.getBySecondary(ctx, pni.String(), func(ctx context.Context) (*Account, error) {
		return m.store.GetByPNI(ctx, pni)
	})
}

// GetByUsername returns the account holding canonical as its username.
func (m *AccountsManager) GetByUsername(ctx context.Context, canonical string) (*Account, error) {
	return m.getBySecondary(ctx, canonical, func(ctx context.Context) (*Account, error) {
		return m.store.GetByUsername(ctx, canonical)
	})
}

func (m *AccountsManager) getBySecondary(ctx context.Context, key string, fromStore func(context.Context) (*Account, error)) (*Account, error) {
	if cached, ok := m.cache.GetBySecondary(ctx, key); ok {
		return cached, nil
	}
	a, err := fromStore(ctx)
	if err != nil {
		return nil, err
	}
	m.cache.Set(ctx, a)
	return a, nil
}

// StreamAccounts pages through every account ordered by ACI, for crawler
// use (§4.2). A zero cursor starts the scan from the beginning; a
// non-zero cursor resumes after that ACI.
func (m *AccountsManager) StreamAccounts(ctx context.Context, cursor uuid.UUID, limit int) ([]*Account, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("accounts: stream accounts: limit must be positive, got %d", limit)
	}
	if cursor == uuid.Nil {
		return m.store.GetAllFromStart(ctx, limit)
	}
	return m.store.GetAllFrom(ctx, cursor, limit)
}
