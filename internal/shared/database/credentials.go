package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/models"
)

// InsertProviderCredential stores a new encrypted provider key and fills in
// the generated ID and CreatedAt.
func (db *DB) InsertProviderCredential(ctx context.Context, cred *models.ProviderCredential) error {
	query := `
		INSERT INTO api_keys (user_id, provider, key_name, encrypted_key, iv, auth_tag, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, true)
		RETURNING id, created_at
	`
	err := db.conn.QueryRowContext(ctx, query,
		cred.UserID,
		cred.Provider,
		cred.Name,
		cred.EncryptedKey,
		cred.IV,
		cred.AuthTag,
	).Scan(&cred.ID, &cred.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert provider credential: %w", err)
	}
	cred.IsActive = true
	return nil
}

// GetActiveProviderCredential returns the newest active key a user holds
// for the provider.
func (db *DB) GetActiveProviderCredential(ctx context.Context, userID, provider string) (*models.ProviderCredential, error) {
	query := `
		SELECT id, user_id, provider, key_name, encrypted_key, iv, auth_tag,
		       is_active, last_used_at, created_at
		FROM api_keys
		WHERE user_id = $1 AND provider = $2 AND is_active = true
		ORDER BY created_at DESC
		LIMIT 1
	`

	var cred models.ProviderCredential
	err := db.conn.QueryRowContext(ctx, query, userID, provider).Scan(
		&cred.ID,
		&cred.UserID,
		&cred.Provider,
		&cred.Name,
		&cred.EncryptedKey,
		&cred.IV,
		&cred.AuthTag,
		&cred.IsActive,
		&cred.LastUsedAt,
		&cred.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s credential for user %s: %w", provider, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return &cred, nil
}

// ListProviderCredentials returns a user's active provider keys, newest first
func (db *DB) ListProviderCredentials(ctx context.Context, userID string) ([]models.ProviderCredential, error) {
	query := `
		SELECT id, user_id, provider, key_name, encrypted_key, iv, auth_tag,
		       is_active, last_used_at, created_at
		FROM api_keys
		WHERE user_id = $1 AND is_active = true
		ORDER BY created_at DESC
	`
	rows, err := db.conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var creds []models.ProviderCredential
	for rows.Next() {
		var cred models.ProviderCredential
		if err := rows.Scan(
			&cred.ID,
			&cred.UserID,
			&cred.Provider,
			&cred.Name,
			&cred.EncryptedKey,
			&cred.IV,
			&cred.AuthTag,
			&cred.IsActive,
			&cred.LastUsedAt,
			&cred.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan provider credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// TouchProviderCredential updates the last_used_at timestamp
func (db *DB) TouchProviderCredential(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	return err
}

// DeactivateProviderCredential soft-deletes a provider key owned by userID
func (db *DB) DeactivateProviderCredential(ctx context.Context, userID, id string) error {
	query := `UPDATE api_keys SET is_active = false, updated_at = NOW() WHERE id = $1 AND user_id = $2 AND is_active = true`
	return db.execOne(ctx, query, id, userID)
}

// CountActiveProxyCredentials counts the proxy keys a user can still use
func (db *DB) CountActiveProxyCredentials(ctx context.Context, userID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proxy_api_keys WHERE user_id = $1 AND is_active = true`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("database error: %w", err)
	}
	return n, nil
}

// InsertProxyCredential stores a new proxy key hash
func (db *DB) InsertProxyCredential(ctx context.Context, cred *models.ProxyCredential) error {
	query := `
		INSERT INTO proxy_api_keys (id, user_id, key_hash, key_prefix, name, is_active)
		VALUES ($1, $2, $3, $4, $5, true)
		RETURNING created_at, updated_at
	`
	err := db.conn.QueryRowContext(ctx, query,
		cred.ID,
		cred.UserID,
		cred.KeyHash,
		cred.KeyPrefix,
		cred.Name,
	).Scan(&cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert proxy credential: %w", err)
	}
	cred.IsActive = true
	return nil
}

// ListActiveProxyCredentials returns every active proxy key hash. Used by
// validation, which cannot narrow the search by user before verifying.
func (db *DB) ListActiveProxyCredentials(ctx context.Context) ([]models.ProxyCredential, error) {
	return db.queryProxyCredentials(ctx, `
		SELECT id, user_id, key_hash, key_prefix, name, is_active,
		       request_count, last_used_at, created_at, updated_at
		FROM proxy_api_keys
		WHERE is_active = true
	`)
}

// ListProxyCredentials returns all of a user's proxy keys, newest first
func (db *DB) ListProxyCredentials(ctx context.Context, userID string) ([]models.ProxyCredential, error) {
	return db.queryProxyCredentials(ctx, `
		SELECT id, user_id, key_hash, key_prefix, name, is_active,
		       request_count, last_used_at, created_at, updated_at
		FROM proxy_api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
}

// TouchProxyCredential records a successful validation
func (db *DB) TouchProxyCredential(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE proxy_api_keys SET last_used_at = NOW(), request_count = request_count + 1 WHERE id = $1`, id)
	return err
}

// DeactivateProxyCredential revokes a proxy key owned by userID
func (db *DB) DeactivateProxyCredential(ctx context.Context, userID, id string) error {
	query := `UPDATE proxy_api_keys SET is_active = false, updated_at = NOW() WHERE id = $1 AND user_id = $2 AND is_active = true`
	return db.execOne(ctx, query, id, userID)
}

func (db *DB) queryProxyCredentials(ctx context.Context, query string, args ...interface{}) ([]models.ProxyCredential, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var creds []models.ProxyCredential
	for rows.Next() {
		var cred models.ProxyCredential
		if err := rows.Scan(
			&cred.ID,
			&cred.UserID,
			&cred.KeyHash,
			&cred.KeyPrefix,
			&cred.Name,
			&cred.IsActive,
			&cred.RequestCount,
			&cred.LastUsedAt,
			&cred.CreatedAt,
			&cred.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan proxy credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// execOne runs an update that must affect exactly one row
func (db *DB) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
