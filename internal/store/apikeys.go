package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/GoAlgoDesk/algodesk/internal/pkg/apperrors"
)

// Cipher is the slice of the vault this package consumes. Satisfied by
// *vault.Vault.
type Cipher interface {
	Encrypt(plaintext string) (ciphertextB64, nonceB64 string, err error)
	Decrypt(ciphertextB64, nonceB64 string) (string, error)
	HashPassword(password string) (string, error)
	VerifyPassword(password, phc string) (bool, error)
}

// GenerateAPIKey returns a random 64-character hex key.
func GenerateAPIKey() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // entropy source failure is unrecoverable
	}
	return hex.EncodeToString(b[:])
}

// MaskAPIKey shows the first 8 and last 4 characters only.
func MaskAPIKey(key string) string {
	if len(key) <= 12 {
		return "************"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// CreateAPIKey generates, hashes and encrypts a new admission key. The
// plaintext is returned once and never stored as such: the Argon2id hash
// serves validation, the encrypted copy serves later display.
func (s *Store) CreateAPIKey(ctx context.Context, name, permissions string, cipher Cipher) (int64, string, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM api_keys WHERE name = ?)`, name); err != nil {
		return 0, "", err
	}
	if exists {
		return 0, "", apperrors.New(apperrors.ErrPayloadInvalid,
			fmt.Sprintf("API key with name %q already exists", name), nil)
	}

	key := GenerateAPIKey()
	keyHash, err := cipher.HashPassword(key)
	if err != nil {
		return 0, "", err
	}
	encrypted, nonce, err := cipher.Encrypt(key)
	if err != nil {
		return 0, "", err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (name, key_hash, encrypted_key, encrypted_key_nonce, permissions)
		VALUES (?, ?, ?, ?, ?)`,
		name, keyHash, encrypted, nonce, permissions)
	if err != nil {
		return 0, "", err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, "", err
	}
	return id, key, nil
}

// ValidateAPIKey checks a presented key against every stored hash.
// Argon2id salts are random, so each candidate must be verified
// individually; a single-user desktop holds a handful of keys at most.
func (s *Store) ValidateAPIKey(ctx context.Context, presented string, cipher Cipher) (*APIKey, error) {
	var keys []APIKey
	if err := s.db.SelectContext(ctx, &keys, `
		SELECT id, name, key_hash, encrypted_key, encrypted_key_nonce, permissions, created_at, last_used_at
		FROM api_keys`); err != nil {
		return nil, err
	}

	for i := range keys {
		ok, err := cipher.VerifyPassword(presented, keys[i].KeyHash)
		if err != nil {
			return nil, err
		}
		if ok {
			_, _ = s.db.ExecContext(ctx,
				`UPDATE api_keys SET last_used_at = datetime('now') WHERE id = ?`, keys[i].ID)
			return &keys[i], nil
		}
	}
	return nil, apperrors.New(apperrors.ErrNotAuthenticated, "invalid API key", nil)
}

// RevealAPIKey decrypts the stored key for display in the UI.
func (s *Store) RevealAPIKey(ctx context.Context, name string, cipher Cipher) (string, error) {
	var row APIKey
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, key_hash, encrypted_key, encrypted_key_nonce, permissions, created_at, last_used_at
		FROM api_keys WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.New(apperrors.ErrNotFound, "API key not found", nil)
	}
	if err != nil {
		return "", err
	}
	return cipher.Decrypt(row.EncryptedKey, row.EncryptedKeyNonce)
}

// ListAPIKeys returns stored keys with masked values.
func (s *Store) ListAPIKeys(ctx context.Context, cipher Cipher) ([]APIKey, []string, error) {
	var keys []APIKey
	if err := s.db.SelectContext(ctx, &keys, `
		SELECT id, name, key_hash, encrypted_key, encrypted_key_nonce, permissions, created_at, last_used_at
		FROM api_keys ORDER BY created_at DESC`); err != nil {
		return nil, nil, err
	}
	masked := make([]string, len(keys))
	for i := range keys {
		plain, err := cipher.Decrypt(keys[i].EncryptedKey, keys[i].EncryptedKeyNonce)
		if err != nil {
			masked[i] = "****...****"
			continue
		}
		masked[i] = MaskAPIKey(plain)
	}
	return keys, masked, nil
}

// DeleteAPIKey removes a key by name.
func (s *Store) DeleteAPIKey(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// HasAPIKey reports whether any admission key exists.
func (s *Store) HasAPIKey(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM api_keys`); err != nil {
		return false, err
	}
	return n > 0, nil
}
