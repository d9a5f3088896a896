package external

import (
	"context"
	"fmt"
	"net/http"

	"accountsd/internal/core/accounts"

	"github.com/google/uuid"
)

// MessagesClient clears message history for an account or PNI by calling
// the message service's delete endpoint.
type MessagesClient struct{ httpService }

func NewMessagesClient(baseURL string, client *http.Client) *MessagesClient {
	return &MessagesClient{newHTTPService(baseURL, client)}
}

func (c *MessagesClient) Clear(ctx context.Context, id uuid.UUID) error {
	if err := c.do(ctx, http.MethodDelete, "/accounts/"+id.String()+"/messages"); err != nil {
		return fmt.Errorf("messages: clear %s: %w", id, err)
	}
	return nil
}

var _ accounts.MessagesManager = (*MessagesClient)(nil)

// PrekeysClient deletes signed/one-time prekeys for an account or PNI.
type PrekeysClient struct{ httpService }

func NewPrekeysClient(baseURL string, client *http.Client) *PrekeysClient {
	return &PrekeysClient{newHTTPService(baseURL, client)}
}

func (c *PrekeysClient) Delete(ctx context.Context, id uuid.UUID) error {
	if err := c.do(ctx, http.MethodDelete, "/accounts/"+id.String()+"/prekeys"); err != nil {
		return fmt.Errorf("prekeys: delete %s: %w", id, err)
	}
	return nil
}

var _ accounts.PrekeyStore = (*PrekeysClient)(nil)

// ProfilesClient deletes all profile data for an account.
type ProfilesClient struct{ httpService }

func NewProfilesClient(baseURL string, client *http.Client) *ProfilesClient {
	return &ProfilesClient{newHTTPService(baseURL, client)}
}

func (c *ProfilesClient) DeleteAll(ctx context.Context, aci uuid.UUID) error {
	if err := c.do(ctx, http.MethodDelete, "/accounts/"+aci.String()+"/profile"); err != nil {
		return fmt.Errorf("profiles: delete all %s: %w", aci, err)
	}
	return nil
}

var _ accounts.ProfilesManager = (*ProfilesClient)(nil)

// PresenceClient disconnects a device's realtime presence. Best-effort;
// AccountsManager already logs and swallows any error this returns.
type PresenceClient struct{ httpService }

func NewPresenceClient(baseURL string, client *http.Client) *PresenceClient {
	return &PresenceClient{newHTTPService(baseURL, client)}
}

func (c *PresenceClient) DisconnectPresence(ctx context.Context, aci uuid.UUID, deviceID uint32) error {
	path := fmt.Sprintf("/accounts/%s/devices/%d/presence", aci, deviceID)
	if err := c.do(ctx, http.MethodDelete, path); err != nil {
		return fmt.Errorf("presence: disconnect %s/%d: %w", aci, deviceID, err)
	}
	return nil
}

var _ accounts.PresenceManager = (*PresenceClient)(nil)

// SecureStorageClient deletes a user's secure-value-store blob. Its single
// method returns a <-chan error so AccountsManager can join it against
// SecureBackup concurrently via errgroup (§4.5, §6).
type SecureStorageClient struct{ httpService }

func NewSecureStorageClient(baseURL string, client *http.Client) *SecureStorageClient {
	return &SecureStorageClient{newHTTPService(baseURL, client)}
}

func (c *SecureStorageClient) DeleteStoredData(ctx context.Context, aci uuid.UUID) <-chan error {
	result := make(chan error, 1)
	go func() {
		defer close(result)
		if err := c.do(ctx, http.MethodDelete, "/accounts/"+aci.String()+"/secure-storage"); err != nil {
			result <- fmt.Errorf("secure storage: delete %s: %w", aci, err)
			return
		}
		result <- nil
	}()
	return result
}

var _ accounts.SecureStorage = (*SecureStorageClient)(nil)

// SecureBackupClient deletes a user's secure backup blob, the second half
// of the two futures §4.5's delete joins.
type SecureBackupClient struct{ httpService }

func NewSecureBackupClient(baseURL string, client *http.Client) *SecureBackupClient {
	return &SecureBackupClient{newHTTPService(baseURL, client)}
}

func (c *SecureBackupClient) DeleteBackups(ctx context.Context, aci uuid.UUID) <-chan error {
	result := make(chan error, 1)
	go func() {
		defer close(result)
		if err := c.do(ctx, http.MethodDelete, "/accounts/"+aci.String()+"/secure-backup"); err != nil {
			result <- fmt.Errorf("secure backup: delete %s: %w", aci, err)
			return
		}
		result <- nil
	}()
	return result
}

var _ accounts.SecureBackup = (*SecureBackupClient)(nil)

// PendingAccountsClient drops a pending verification code issued for a
// phone number.
type PendingAccountsClient struct{ httpService }

func NewPendingAccountsClient(baseURL string, client *http.Client) *PendingAccountsClient {
	return &PendingAccountsClient{newHTTPService(baseURL, client)}
}

func (c *PendingAccountsClient) Remove(ctx context.Context, number string) error {
	if err := c.do(ctx, http.MethodDelete, "/pending-accounts/"+number); err != nil {
		return fmt.Errorf("pending accounts: remove %s: %w", number, err)
	}
	return nil
}

var _ accounts.PendingAccountsStore = (*PendingAccountsClient)(nil)
