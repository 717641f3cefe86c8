package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/mailpipe/worker/internal/classify"
	"github.com/mailpipe/worker/internal/models"
)

// AccountStore is the slice of the Mail Store the Token Broker needs:
// reading an account's encrypted tokens and writing back a refreshed pair.
type AccountStore interface {
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
	UpdateTokens(ctx context.Context, accountID, encryptedAccessToken, encryptedRefreshToken string, expiresAt time.Time) error
}

// Refresher exchanges a refresh token for a new access token against the
// provider's token endpoint.
type Refresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (accessToken string, refreshToken2 string, expiresAt time.Time, err error)
}

// Broker is the Token Broker: it returns a valid bearer for an account,
// refreshing proactively against a buffer before expiry, and decrypts
// stored secrets on demand.
type Broker struct {
	accounts      AccountStore
	refresher     Refresher
	cipher        *Cipher
	refreshBuffer time.Duration
}

// New builds a Broker. A token with less than refreshBuffer of life left
// is refreshed before being handed out; New applies no default, and the
// worker passes the configured buffer (5 minutes unless overridden).
func New(accounts AccountStore, refresher Refresher, cipher *Cipher, refreshBuffer time.Duration) *Broker {
	return &Broker{
		accounts:      accounts,
		refresher:     refresher,
		cipher:        cipher,
		refreshBuffer: refreshBuffer,
	}
}

// AccessToken returns a valid bearer for the given account, decrypting the
// stored access token if it is still fresh, or performing a refresh-grant
// round trip and persisting the result if not.
func (b *Broker) AccessToken(ctx context.Context, accountID string) (string, error) {
	account, err := b.accounts.GetByID(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("token broker: failed to load account: %w", err)
	}

	if time.Now().Add(b.refreshBuffer).Before(account.TokenExpiresAt) {
		bearer, err := b.cipher.Decrypt(account.EncryptedAccessToken)
		if err != nil {
			return "", fmt.Errorf("token broker: failed to decrypt access token: %w", err)
		}
		return bearer, nil
	}

	return b.refresh(ctx, account)
}

func (b *Broker) refresh(ctx context.Context, account *models.Account) (string, error) {
	refreshToken, err := b.cipher.Decrypt(account.EncryptedRefreshToken)
	if err != nil {
		return "", fmt.Errorf("token broker: failed to decrypt refresh token: %w", err)
	}

	newAccess, newRefresh, expiresAt, err := b.refresher.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return "", &classify.Error{Kind: classify.KindAuthentication, Err: fmt.Errorf("token broker: refresh grant failed: %w", err)}
	}

	encAccess, err := b.cipher.Encrypt(newAccess)
	if err != nil {
		return "", fmt.Errorf("token broker: failed to encrypt new access token: %w", err)
	}
	encRefresh, err := b.cipher.Encrypt(newRefresh)
	if err != nil {
		return "", fmt.Errorf("token broker: failed to encrypt new refresh token: %w", err)
	}

	if err := b.accounts.UpdateTokens(ctx, account.ID, encAccess, encRefresh, expiresAt); err != nil {
		return "", fmt.Errorf("token broker: failed to persist refreshed tokens: %w", err)
	}

	return newAccess, nil
}
