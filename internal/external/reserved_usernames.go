package external

import (
	"context"
	"database/sql"
	"fmt"

	"accountsd/internal/core/accounts"

	"github.com/google/uuid"
)

// ReservedUsernamesStore implements accounts.ReservedUsernames against a
// `reserved_usernames` table: canonical usernames held back for a
// specific account (a pending migration, a support hold), grounded on the
// teacher's plain *sql.DB/context.Context query idiom
// (internal/db/postgres/user_repo.go).
type ReservedUsernamesStore struct {
	db *sql.DB
}

// NewReservedUsernamesStore constructs the Postgres-backed reservation index.
func NewReservedUsernamesStore(db *sql.DB) *ReservedUsernamesStore {
	return &ReservedUsernamesStore{db: db}
}

func (r *ReservedUsernamesStore) IsReserved(ctx context.Context, canonical string, aci uuid.UUID) (bool, error) {
	var reservedFor uuid.UUID
	err := r.db.QueryRowContext(ctx,
		`SELECT reserved_for_aci FROM reserved_usernames WHERE username = $1`,
		canonical,
	).Scan(&reservedFor)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reserved usernames: lookup %q: %w", canonical, err)
	}
	return reservedFor != aci, nil
}

var _ accounts.ReservedUsernames = (*ReservedUsernamesStore)(nil)
