package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/database"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/logger"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/models"
)

// ProviderStore persists sealed provider keys. Implemented by *database.DB.
type ProviderStore interface {
	InsertProviderCredential(ctx context.Context, cred *models.ProviderCredential) error
	GetActiveProviderCredential(ctx context.Context, userID, provider string) (*models.ProviderCredential, error)
	ListProviderCredentials(ctx context.Context, userID string) ([]models.ProviderCredential, error)
	TouchProviderCredential(ctx context.Context, id string) error
	DeactivateProviderCredential(ctx context.Context, userID, id string) error
}

// KeyInfo describes a stored provider key without revealing it
type KeyInfo struct {
	ID         string     `json:"id"`
	Provider   string     `json:"provider"`
	Name       string     `json:"name"`
	MaskedKey  string     `json:"masked_key"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Keyring stores and retrieves users' upstream provider keys.
type Keyring struct {
	cipher *Cipher
	store  ProviderStore
}

func NewKeyring(cipher *Cipher, store ProviderStore) *Keyring {
	return &Keyring{cipher: cipher, store: store}
}

// Store validates, seals and saves a provider key
func (k *Keyring) Store(ctx context.Context, userID, provider, name, plaintext string) (*KeyInfo, error) {
	if err := ValidateKeyFormat(provider, plaintext); err != nil {
		return nil, err
	}

	sealed, err := k.cipher.Encrypt([]byte(plaintext))
	if err != nil {
		return nil, err
	}

	cred := &models.ProviderCredential{
		UserID:       userID,
		Provider:     provider,
		Name:         name,
		EncryptedKey: sealed.Ciphertext,
		IV:           sealed.IV,
		AuthTag:      sealed.Tag,
	}
	if err := k.store.InsertProviderCredential(ctx, cred); err != nil {
		return nil, err
	}

	return &KeyInfo{
		ID:        cred.ID,
		Provider:  provider,
		Name:      name,
		MaskedKey: MaskKey(plaintext),
		CreatedAt: cred.CreatedAt,
	}, nil
}

// Fetch returns the decrypted key a user holds for provider. Returns
// ErrNotFound when none is active and ErrAuthenticationFailed when the
// stored value does not open under the master key.
func (k *Keyring) Fetch(ctx context.Context, userID, provider string) (string, error) {
	cred, err := k.store.GetActiveProviderCredential(ctx, userID, provider)
	if errors.Is(err, database.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	plaintext, err := k.open(cred)
	if err != nil {
		return "", err
	}

	if err := k.store.TouchProviderCredential(ctx, cred.ID); err != nil {
		logger.Logger.Warn("failed to update provider key usage", zap.String("key_id", cred.ID), zap.Error(err))
	}
	return plaintext, nil
}

// Revoke deactivates a stored provider key
func (k *Keyring) Revoke(ctx context.Context, userID, id string) error {
	err := k.store.DeactivateProviderCredential(ctx, userID, id)
	if errors.Is(err, database.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// List returns a user's active provider keys in masked form
func (k *Keyring) List(ctx context.Context, userID string) ([]KeyInfo, error) {
	creds, err := k.store.ListProviderCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]KeyInfo, 0, len(creds))
	for i := range creds {
		cred := &creds[i]
		plaintext, err := k.open(cred)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", cred.ID, err)
		}
		out = append(out, KeyInfo{
			ID:         cred.ID,
			Provider:   cred.Provider,
			Name:       cred.Name,
			MaskedKey:  MaskKey(plaintext),
			LastUsedAt: cred.LastUsedAt,
			CreatedAt:  cred.CreatedAt,
		})
	}
	return out, nil
}

func (k *Keyring) open(cred *models.ProviderCredential) (string, error) {
	plaintext, err := k.cipher.Decrypt(Sealed{
		Ciphertext: cred.EncryptedKey,
		IV:         cred.IV,
		Tag:        cred.AuthTag,
	})
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

var keyPrefixes = map[string]string{
	"openai":    "sk-",
	"anthropic": "sk-ant-",
	"google":    "AI",
	"qwen":      "",
}

// ValidateKeyFormat checks the shape each provider uses for its keys
func ValidateKeyFormat(provider, key string) error {
	prefix, ok := keyPrefixes[provider]
	if !ok {
		return fmt.Errorf("unknown provider %q: %w", provider, ErrInvalidKeyFormat)
	}
	if key == "" || !strings.HasPrefix(key, prefix) {
		return fmt.Errorf("invalid %s API key format: %w", provider, ErrInvalidKeyFormat)
	}
	return nil
}

// MaskKey shows the first 3 and last 6 characters of a key
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	// A 9-char key would otherwise be shown in full.
	if len(key) <= 3+6 {
		return key[:3] + "..."
	}
	return key[:3] + "..." + key[len(key)-6:]
}
