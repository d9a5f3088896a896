// Package cache implements the write-through account cache (C3): a
// Cassandra-backed distributed tier (gocql) fronted by an in-process LRU
// (hashicorp/golang-lru/v2). Both tiers fail open — a transport error is
// logged and treated as a miss, never as a failure of the enclosing
// operation (spec.md §4.3, §7).
package cache

import "github.com/google/uuid"

// Key scheme, the one part of this coordinator that is a compatibility
// surface (spec.md §6): "Account3::<uuid>" and "AccountMap::<secondaryKey>".
const (
	accountKeyPrefix = "Account3::"
	mapKeyPrefix     = "AccountMap::"
)

func accountKey(aci uuid.UUID) string {
	return accountKeyPrefix + aci.String()
}

func mapKey(secondary string) string {
	return mapKeyPrefix + secondary
}
