package cache

import (
	"context"
	"encoding/json"
	"log/slog"

	"accountsd/internal/core/accounts"

	"github.com/google/uuid"
)

// Store implements accounts.Cache on top of the two tiers: a hot
// in-process LRU and the distributed Cassandra tier. JSON decode errors
// are logged and treated as a miss (§4.3) — never propagated as an error,
// since a corrupt cache entry must never poison a caller that could still
// be served correctly from the primary store.
type Store struct {
	hot    *hotTier
	remote *Distributed
	logger *slog.Logger
}

func New(remote *Distributed, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{hot: newHotTier(), remote: remote, logger: logger}
}

var _ accounts.Cache = (*Store)(nil)

// Set writes the JSON body at Account3::<aci> and the three secondary map
// entries, all with the same TTL (§4.3). A JSON encode failure here is a
// programming bug per §7 and is logged loudly, but Set still must not
// fail the caller's mutation — it simply skips the write.
func (s *Store) Set(ctx context.Context, a *accounts.Account) {
	body, err := json.Marshal(a)
	if err != nil {
		s.logger.Error("[ACCOUNT-CACHE] BUG: failed to encode account for cache write",
			"aci", a.ACI, "error", err)
		return
	}

	ak := accountKey(a.ACI)
	s.writeThrough(ctx, ak, string(body))
	s.writeThrough(ctx, mapKey(a.Number), a.ACI.String())
	s.writeThrough(ctx, mapKey(a.PNI.String()), a.ACI.String())
	if a.HasUsername() {
		s.writeThrough(ctx, mapKey(*a.Username), a.ACI.String())
	}
}

func (s *Store) writeThrough(ctx context.Context, key, value string) {
	s.hot.set(key, value)
	s.remote.Set(ctx, key, value)
}

// Delete removes the four keys derivable from a. Callers must supply the
// pre-image of any secondary key about to change — the new value alone
// cannot derive the old one (§4.3).
func (s *Store) Delete(ctx context.Context, a *accounts.Account) {
	keys := []string{accountKey(a.ACI), mapKey(a.Number), mapKey(a.PNI.String())}
	if a.HasUsername() {
		keys = append(keys, mapKey(*a.Username))
	}
	for _, k := range keys {
		s.hot.delete(k)
		s.remote.Delete(ctx, k)
	}
}

// GetByACI decodes the cached account, if present. A decode error is
// logged and treated as a cache miss.
func (s *Store) GetByACI(ctx context.Context, aci uuid.UUID) (*accounts.Account, bool) {
	key := accountKey(aci)

	body, ok := s.hot.get(key)
	if !ok {
		body, ok = s.remote.Get(ctx, key)
		if !ok {
			return nil, false
		}
		s.hot.set(key, body)
	}

	a := &accounts.Account{}
	if err := json.Unmarshal([]byte(body), a); err != nil {
		s.logger.Warn("[ACCOUNT-CACHE] failed to decode cached account, treating as miss",
			"aci", aci, "error", err)
		return nil, false
	}
	return a, true
}

// GetBySecondary dereferences AccountMap::<key> to an ACI, then GetByACI.
func (s *Store) GetBySecondary(ctx context.Context, key string) (*accounts.Account, bool) {
	mk := mapKey(key)

	raw, ok := s.hot.get(mk)
	if !ok {
		raw, ok = s.remote.Get(ctx, mk)
		if !ok {
			return nil, false
		}
		s.hot.set(mk, raw)
	}

	aci, err := uuid.Parse(raw)
	if err != nil {
		s.logger.Warn("[ACCOUNT-CACHE] secondary map entry was not a valid aci, treating as miss",
			"key", key, "error", err)
		return nil, false
	}
	return s.GetByACI(ctx, aci)
}
