package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"accountsd/internal/core/accounts"

	"github.com/google/uuid"
)

// pniDirectory implements accounts.PNIDirectory (C7): a total function
// that allocates a PNI for a phone number on first request and returns
// the same PNI thereafter.
type pniDirectory struct {
	db *sql.DB
}

func NewPNIDirectory(db *sql.DB) accounts.PNIDirectory {
	return &pniDirectory{db: db}
}

// PniFor allocates (or returns the existing) PNI for number atomically:
// the INSERT ... ON CONFLICT ... RETURNING round trip means concurrent
// first-requests for the same number converge on one PNI with no
// separate locking required.
func (d *pniDirectory) PniFor(ctx context.Context, number string) (uuid.UUID, error) {
	candidate := uuid.New()

	var pni uuid.UUID
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO pni_directory (number, pni) VALUES ($1, $2)
		ON CONFLICT (number) DO UPDATE SET number = EXCLUDED.number
		RETURNING pni`,
		number, candidate,
	).Scan(&pni)
	if err != nil {
		return uuid.Nil, fmt.Errorf("accounts: allocate pni for %s: %w", number, err)
	}
	return pni, nil
}
