package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"accountsd/internal/core/accounts"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// accountStore implements accounts.PrimaryStore (C2) against a single
// `accounts` table plus a child `account_devices` table, in the teacher's
// postgresUserRepo idiom: RETURNING clauses, sql.NullString-shaped
// optional columns, and constraint-name-discriminated errors.
type accountStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewAccountStore creates a Postgres-backed primary store adapter.
func NewAccountStore(db *sql.DB, logger *slog.Logger) accounts.PrimaryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &accountStore{db: db, logger: logger}
}

const (
	constraintAccountsNumberKey   = "accounts_number_key"
	constraintAccountsUsernameKey = "accounts_username_key"
	constraintAccountsPniKey      = "accounts_pni_key"
)

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && pqErr.Constraint == constraint
	}
	return false
}

// Create inserts a. If a live row already exists for a.Number, it is
// updated in place with a's credentials/devices and a.ACI is rewritten to
// that row's aci; freshlyInserted is false in that case (§4.2).
func (s *accountStore) Create(ctx context.Context, a *accounts.Account) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("accounts: begin create tx: %w", err)
	}
	defer rollback(ctx, tx, s.logger)

	var existingACI uuid.UUID
	err = tx.QueryRowContext(ctx, `SELECT aci FROM accounts WHERE number = $1`, a.Number).Scan(&existingACI)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := insertAccount(ctx, tx, a); err != nil {
			return false, err
		}
		if err := replaceDevices(ctx, tx, a.ACI, a.Devices); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("accounts: commit create: %w", err)
		}
		return true, nil

	case err != nil:
		return false, fmt.Errorf("accounts: check existing number: %w", err)

	default:
		a.ACI = existingACI
		if err := updateAccountCredentials(ctx, tx, a); err != nil {
			return false, err
		}
		if err := replaceDevices(ctx, tx, a.ACI, a.Devices); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("accounts: commit re-registration: %w", err)
		}
		return false, nil
	}
}

func insertAccount(ctx context.Context, tx *sql.Tx, a *accounts.Account) error {
	badges, err := json.Marshal(a.Badges)
	if err != nil {
		return fmt.Errorf("accounts: encode badges: %w", err)
	}

	query := `
		INSERT INTO accounts (
			aci, pni, number, username, unidentified_access_key,
			unrestricted_unidentified_access, registration_lock,
			discoverable_by_phone_number, disabled, badges, version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11)
		RETURNING version`

	err = tx.QueryRowContext(ctx, query,
		a.ACI, a.PNI, a.Number, a.Username, a.UnidentifiedAccessKey,
		a.UnrestrictedUnidentifiedAccess, a.RegistrationLock,
		a.DiscoverableByPhoneNumber, a.Disabled, badges, a.CreatedAt,
	).Scan(&a.Version)
	if err != nil {
		if isUniqueViolation(err, constraintAccountsUsernameKey) {
			return accounts.ErrUsernameNotAvailable
		}
		return fmt.Errorf("accounts: insert account: %w", err)
	}
	return nil
}

// updateAccountCredentials carries over the new registration's
// credentials/devices onto an existing live row during re-registration
// (§4.2's "create" contract), without touching number/pni/username.
func updateAccountCredentials(ctx context.Context, tx *sql.Tx, a *accounts.Account) error {
	query := `
		UPDATE accounts SET
			unidentified_access_key = $2,
			unrestricted_unidentified_access = $3,
			registration_lock = $4,
			discoverable_by_phone_number = $5,
			disabled = $6,
			version = version + 1
		WHERE aci = $1
		RETURNING version, pni, username`

	var pni uuid.UUID
	var username sql.NullString
	err := tx.QueryRowContext(ctx, query,
		a.ACI, a.UnidentifiedAccessKey, a.UnrestrictedUnidentifiedAccess,
		a.RegistrationLock, a.DiscoverableByPhoneNumber, a.Disabled,
	).Scan(&a.Version, &pni, &username)
	if err != nil {
		return fmt.Errorf("accounts: update re-registered account: %w", err)
	}
	a.PNI = pni
	if username.Valid {
		v := username.String
		a.Username = &v
	}
	return nil
}

func replaceDevices(ctx context.Context, tx *sql.Tx, aci uuid.UUID, devices []accounts.Device) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM account_devices WHERE account_aci = $1`, aci); err != nil {
		return fmt.Errorf("accounts: clear devices: %w", err)
	}
	for _, d := range devices {
		caps, err := json.Marshal(d.Capabilities)
		if err != nil {
			return fmt.Errorf("accounts: encode device capabilities: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO account_devices (
				account_aci, id, auth_token, salted_token_hash, registration_id,
				capabilities, created_at, last_seen, fetches_messages, user_agent, name
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			aci, d.ID, d.AuthToken, d.SaltedTokenHash, d.RegistrationID,
			caps, d.CreatedAt, d.LastSeen, d.FetchesMessages, d.UserAgent, d.Name,
		)
		if err != nil {
			return fmt.Errorf("accounts: insert device %d: %w", d.ID, err)
		}
	}
	return nil
}

// Update writes a back conditional on a.Version (§4.2). Returns
// ErrContested if the stored version has since moved.
func (s *accountStore) Update(ctx context.Context, a *accounts.Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("accounts: begin update tx: %w", err)
	}
	defer rollback(ctx, tx, s.logger)

	badges, err := json.Marshal(a.Badges)
	if err != nil {
		return fmt.Errorf("accounts: encode badges: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			unidentified_access_key = $3,
			unrestricted_unidentified_access = $4,
			registration_lock = $5,
			discoverable_by_phone_number = $6,
			disabled = $7,
			badges = $8,
			version = version + 1
		WHERE aci = $1 AND version = $2`,
		a.ACI, a.Version, a.UnidentifiedAccessKey, a.UnrestrictedUnidentifiedAccess,
		a.RegistrationLock, a.DiscoverableByPhoneNumber, a.Disabled, badges,
	)
	if err != nil {
		return fmt.Errorf("accounts: update account: %w", err)
	}
	if err := requireSingleRow(res, accounts.ErrContested); err != nil {
		return err
	}

	if err := replaceDevices(ctx, tx, a.ACI, a.Devices); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("accounts: commit update: %w", err)
	}
	a.Version++
	return nil
}

// ChangeNumber atomically swaps number + pni and the secondary indexes
// tracking them (§4.2). Same contested semantics as Update.
func (s *accountStore) ChangeNumber(ctx context.Context, a *accounts.Account, newNumber string, newPNI uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET number = $3, pni = $4, version = version + 1
		WHERE aci = $1 AND version = $2`,
		a.ACI, a.Version, newNumber, newPNI,
	)
	if err != nil {
		if isUniqueViolation(err, constraintAccountsNumberKey) || isUniqueViolation(err, constraintAccountsPniKey) {
			return accounts.ErrContested
		}
		return fmt.Errorf("accounts: change number: %w", err)
	}
	if err := requireSingleRow(res, accounts.ErrContested); err != nil {
		return err
	}
	a.Number = newNumber
	a.PNI = newPNI
	a.Version++
	return nil
}

// SetUsername atomically assigns canonical to a (§4.2).
func (s *accountStore) SetUsername(ctx context.Context, a *accounts.Account, canonical string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET username = $3, version = version + 1
		WHERE aci = $1 AND version = $2`,
		a.ACI, a.Version, canonical,
	)
	if err != nil {
		if isUniqueViolation(err, constraintAccountsUsernameKey) {
			return accounts.ErrUsernameNotAvailable
		}
		return fmt.Errorf("accounts: set username: %w", err)
	}
	if err := requireSingleRow(res, accounts.ErrContested); err != nil {
		return err
	}
	a.Username = &canonical
	a.Version++
	return nil
}

// ClearUsername atomically clears a's username (§4.2).
func (s *accountStore) ClearUsername(ctx context.Context, a *accounts.Account) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET username = NULL, version = version + 1
		WHERE aci = $1 AND version = $2`,
		a.ACI, a.Version,
	)
	if err != nil {
		return fmt.Errorf("accounts: clear username: %w", err)
	}
	if err := requireSingleRow(res, accounts.ErrContested); err != nil {
		return err
	}
	a.Username = nil
	a.Version++
	return nil
}

func requireSingleRow(res sql.Result, ifZero error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("accounts: rows affected: %w", err)
	}
	if n == 0 {
		return ifZero
	}
	return nil
}

const selectAccountColumns = `
	aci, pni, number, username, unidentified_access_key,
	unrestricted_unidentified_access, registration_lock,
	discoverable_by_phone_number, disabled, badges, version, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*accounts.Account, error) {
	a := &accounts.Account{}
	var username sql.NullString
	var badges []byte

	err := row.Scan(
		&a.ACI, &a.PNI, &a.Number, &username, &a.UnidentifiedAccessKey,
		&a.UnrestrictedUnidentifiedAccess, &a.RegistrationLock,
		&a.DiscoverableByPhoneNumber, &a.Disabled, &badges, &a.Version, &a.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, accounts.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("accounts: scan account: %w", err)
	}
	if username.Valid {
		v := username.String
		a.Username = &v
	}
	if len(badges) > 0 {
		if err := json.Unmarshal(badges, &a.Badges); err != nil {
			return nil, fmt.Errorf("accounts: decode badges: %w", err)
		}
	}
	return a, nil
}

func (s *accountStore) attachDevices(ctx context.Context, a *accounts.Account) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, auth_token, salted_token_hash, registration_id, capabilities,
		       created_at, last_seen, fetches_messages, user_agent, name
		FROM account_devices WHERE account_aci = $1 ORDER BY id`, a.ACI)
	if err != nil {
		return fmt.Errorf("accounts: query devices: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("[ACCOUNTS] failed to close device rows", "error", closeErr)
		}
	}()

	var devices []accounts.Device
	for rows.Next() {
		var d accounts.Device
		var caps []byte
		if err := rows.Scan(&d.ID, &d.AuthToken, &d.SaltedTokenHash, &d.RegistrationID,
			&caps, &d.CreatedAt, &d.LastSeen, &d.FetchesMessages, &d.UserAgent, &d.Name); err != nil {
			return fmt.Errorf("accounts: scan device: %w", err)
		}
		if len(caps) > 0 {
			if err := json.Unmarshal(caps, &d.Capabilities); err != nil {
				return fmt.Errorf("accounts: decode device capabilities: %w", err)
			}
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("accounts: iterate devices: %w", err)
	}
	a.Devices = devices
	return nil
}

func (s *accountStore) getBy(ctx context.Context, where string, arg any) (*accounts.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectAccountColumns+` FROM accounts WHERE `+where, arg)
	a, err := scanAccount(row)
	if err != nil {
		return nil, err
	}
	if err := s.attachDevices(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *accountStore) GetByE164(ctx context.Context, number string) (*accounts.Account, error) {
	return s.getBy(ctx, "number = $1", number)
}

func (s *accountStore) GetByPNI(ctx context.Context, pni uuid.UUID) (*accounts.Account, error) {
	return s.getBy(ctx, "pni = $1", pni)
}

func (s *accountStore) GetByUsername(ctx context.Context, username string) (*accounts.Account, error) {
	return s.getBy(ctx, "username = $1", username)
}

func (s *accountStore) GetByACI(ctx context.Context, aci uuid.UUID) (*accounts.Account, error) {
	return s.getBy(ctx, "aci = $1", aci)
}

func (s *accountStore) scanPage(ctx context.Context, query string, args ...any) ([]*accounts.Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("accounts: query page: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("[ACCOUNTS] failed to close page rows", "error", closeErr)
		}
	}()

	var out []*accounts.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("accounts: iterate page: %w", err)
	}
	for _, a := range out {
		if err := s.attachDevices(ctx, a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *accountStore) GetAllFromStart(ctx context.Context, limit int) ([]*accounts.Account, error) {
	return s.scanPage(ctx, `SELECT `+selectAccountColumns+` FROM accounts ORDER BY aci LIMIT $1`, limit)
}

func (s *accountStore) GetAllFrom(ctx context.Context, cursor uuid.UUID, limit int) ([]*accounts.Account, error) {
	return s.scanPage(ctx,
		`SELECT `+selectAccountColumns+` FROM accounts WHERE aci > $1 ORDER BY aci LIMIT $2`,
		cursor, limit)
}

// Delete removes the row and all secondary index entries (the child
// devices row cascades) for aci (§4.2).
func (s *accountStore) Delete(ctx context.Context, aci uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE aci = $1`, aci)
	if err != nil {
		return fmt.Errorf("accounts: delete account: %w", err)
	}
	return requireSingleRow(res, accounts.ErrAccountNotFound)
}

func rollback(ctx context.Context, tx *sql.Tx, logger *slog.Logger) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.ErrorContext(ctx, "[ACCOUNTS] failed to roll back transaction", "error", err)
	}
}
