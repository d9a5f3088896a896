package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/gocql/gocql"
)

// keyspace schema (see schema.cql in this package for the matching CQL DDL):
//
//	CREATE TABLE account_by_key (
//	    key   text PRIMARY KEY,
//	    value text
//	);
//
// Cassandra's native "USING TTL" clause on INSERT gives every write its
// own expiry with no separate sweeper process required — an exact match
// for spec.md §3's "common TTL (default: 2 days)".
const defaultTTL = 48 * time.Hour

// Distributed is the Cassandra-backed tier of C3. It stores raw
// key/value pairs; encoding/decoding the Account JSON happens one layer
// up in Store, which is also where the in-process LRU tier is composed
// in front of it.
type Distributed struct {
	session *gocql.Session
	ttl     time.Duration
	logger  *slog.Logger
}

// NewDistributed wraps an already-connected gocql session. ttl of zero
// selects the 2-day default from spec.md §3.
func NewDistributed(session *gocql.Session, ttl time.Duration, logger *slog.Logger) *Distributed {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Distributed{session: session, ttl: ttl, logger: logger}
}

// Get returns the raw value for key, or ("", false) on miss or transport
// error — both are logged as a miss per §4.3/§7, never surfaced to the
// caller.
func (d *Distributed) Get(ctx context.Context, key string) (string, bool) {
	var value string
	err := d.session.Query(`SELECT value FROM account_by_key WHERE key = ?`, key).
		WithContext(ctx).
		Scan(&value)
	if err != nil {
		if err != gocql.ErrNotFound {
			d.logger.Warn("[ACCOUNT-CACHE] cassandra get failed, treating as miss",
				"key", key, "error", err)
		}
		return "", false
	}
	return value, true
}

// Set writes key/value with the configured TTL. Best effort: failures are
// logged, never returned — a cache write must never fail the enclosing
// account mutation.
func (d *Distributed) Set(ctx context.Context, key, value string) {
	ttlSeconds := int(d.ttl / time.Second)
	err := d.session.Query(`INSERT INTO account_by_key (key, value) VALUES (?, ?) USING TTL ?`,
		key, value, ttlSeconds).WithContext(ctx).Exec()
	if err != nil {
		d.logger.Warn("[ACCOUNT-CACHE] cassandra set failed", "key", key, "error", err)
	}
}

// Delete removes key. Best effort.
func (d *Distributed) Delete(ctx context.Context, key string) {
	err := d.session.Query(`DELETE FROM account_by_key WHERE key = ?`, key).WithContext(ctx).Exec()
	if err != nil {
		d.logger.Warn("[ACCOUNT-CACHE] cassandra delete failed", "key", key, "error", err)
	}
}
