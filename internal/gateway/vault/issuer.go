package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/database"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/logger"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/models"
)

const (
	// ProxyKeyPrefix marks every gateway-issued secret
	ProxyKeyPrefix = "wbr_"
	// ProxyKeyLength is the prefix plus 43 chars of unpadded base64url (32 bytes)
	ProxyKeyLength = len(ProxyKeyPrefix) + 43

	proxyKeyEntropy = 32
	displayChars    = 8
)

// ProxyStore persists proxy credentials. Implemented by *database.DB.
type ProxyStore interface {
	CountActiveProxyCredentials(ctx context.Context, userID string) (int, error)
	InsertProxyCredential(ctx context.Context, cred *models.ProxyCredential) error
	ListActiveProxyCredentials(ctx context.Context) ([]models.ProxyCredential, error)
	ListProxyCredentials(ctx context.Context, userID string) ([]models.ProxyCredential, error)
	TouchProxyCredential(ctx context.Context, id string) error
	DeactivateProxyCredential(ctx context.Context, userID, id string) error
}

// IssuedKey is returned once at issuance. Secret is never stored.
type IssuedKey struct {
	ID        string
	Name      string
	Secret    string
	Prefix    string
	CreatedAt time.Time
}

// Issuer creates, validates and revokes proxy credentials.
type Issuer struct {
	store  ProxyStore
	params HashParams
}

// NewIssuer returns an Issuer hashing with params.
func NewIssuer(store ProxyStore, params HashParams) *Issuer {
	return &Issuer{store: store, params: params}
}

// Issue generates a new proxy key for userID, enforcing the plan's cap on
// active keys. The count and the insert are separate statements, so two
// concurrent issuances can both pass the check.
func (i *Issuer) Issue(ctx context.Context, userID string, plan models.Plan, name string) (*IssuedKey, error) {
	if plan.MaxProxyKeys > 0 {
		n, err := i.store.CountActiveProxyCredentials(ctx, userID)
		if err != nil {
			return nil, err
		}
		if n >= plan.MaxProxyKeys {
			return nil, fmt.Errorf("API key limit (%d) reached for %s plan: %w", plan.MaxProxyKeys, plan.Tier, ErrKeyLimitReached)
		}
	}

	secret, err := GenerateProxyKey()
	if err != nil {
		return nil, err
	}
	hash, err := HashSecret(secret, i.params)
	if err != nil {
		return nil, err
	}

	cred := &models.ProxyCredential{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   hash,
		KeyPrefix: DisplayPrefix(secret),
	}
	if err := i.store.InsertProxyCredential(ctx, cred); err != nil {
		return nil, err
	}

	return &IssuedKey{
		ID:        cred.ID,
		Name:      cred.Name,
		Secret:    secret,
		Prefix:    cred.KeyPrefix,
		CreatedAt: cred.CreatedAt,
	}, nil
}

// Validate resolves a presented secret to its credential. Every active
// credential is checked in turn; there is no lookup index because the salted
// hash cannot be derived from the secret alone.
func (i *Issuer) Validate(ctx context.Context, secret string) (*models.ProxyCredential, error) {
	if !strings.HasPrefix(secret, ProxyKeyPrefix) {
		return nil, ErrInvalidCredential
	}

	creds, err := i.store.ListActiveProxyCredentials(ctx)
	if err != nil {
		return nil, err
	}

	for idx := range creds {
		cred := &creds[idx]
		ok, err := VerifySecret(secret, cred.KeyHash)
		if err != nil {
			logger.Logger.Debug("skipping unreadable proxy key hash", zap.String("key_id", cred.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		if err := i.store.TouchProxyCredential(ctx, cred.ID); err != nil {
			logger.Logger.Warn("failed to update proxy key usage", zap.String("key_id", cred.ID), zap.Error(err))
		}
		return cred, nil
	}

	return nil, ErrInvalidCredential
}

// Revoke deactivates a proxy key owned by userID
func (i *Issuer) Revoke(ctx context.Context, userID, id string) error {
	err := i.store.DeactivateProxyCredential(ctx, userID, id)
	if errors.Is(err, database.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// List returns a user's proxy keys. Hashes are cleared.
func (i *Issuer) List(ctx context.Context, userID string) ([]models.ProxyCredential, error) {
	creds, err := i.store.ListProxyCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	for idx := range creds {
		creds[idx].KeyHash = ""
	}
	return creds, nil
}

// GenerateProxyKey returns a fresh wbr_ secret
func GenerateProxyKey() (string, error) {
	b := make([]byte, proxyKeyEntropy)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate proxy key: %w", err)
	}
	return ProxyKeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// DisplayPrefix is the non-secret form shown in listings, e.g. wbr_AbCdEfGh...
func DisplayPrefix(secret string) string {
	body := strings.TrimPrefix(secret, ProxyKeyPrefix)
	if len(body) > displayChars {
		body = body[:displayChars]
	}
	return ProxyKeyPrefix + body + "..."
}
