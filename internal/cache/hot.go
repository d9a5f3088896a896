package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// hotTier is the in-process front cache for the read-heavy lookup path
// (getByAci / getBySecondary). Store's Set overwrites and Delete removes
// its entries in this process; entries carry no TTL of their own, so one
// can remain here after the distributed copy has expired, until LRU
// eviction or the next Set/Delete of that key. A miss here always falls
// through to Distributed.
type hotTier struct {
	values *lru.Cache[string, string]
}

const hotTierSize = 4096

func newHotTier() *hotTier {
	c, err := lru.New[string, string](hotTierSize)
	if err != nil {
		// Only returns an error for a non-positive size, which hotTierSize
		// is not; this branch is unreachable in practice.
		panic(err)
	}
	return &hotTier{values: c}
}

func (h *hotTier) get(key string) (string, bool) {
	return h.values.Get(key)
}

func (h *hotTier) set(key, value string) {
	h.values.Add(key, value)
}

func (h *hotTier) delete(key string) {
	h.values.Remove(key)
}
