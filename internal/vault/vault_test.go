package vault

import (
	"crypto/rand"
	"testing"

	"github.com/GoAlgoDesk/algodesk/internal/pkg/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, 32)
	pepper := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(pepper)
	require.NoError(t, err)
	v, err := NewWithSecrets(key, pepper)
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	plaintext := "TOKEN_A"
	ciphertext, nonce, err := v.Encrypt(plaintext)
	require.NoError(t, err)

	decrypted, err := v.Decrypt(ciphertext, nonce)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptDrawsFreshNonces(t *testing.T) {
	v := newTestVault(t)

	c1, n1, err := v.Encrypt("same text")
	require.NoError(t, err)
	c2, n2, err := v.Encrypt("same text")
	require.NoError(t, err)

	assert.NotEqual(t, n1, n2)
	assert.NotEqual(t, c1, c2)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	v := newTestVault(t)

	ciphertext, nonce, err := v.Encrypt("secret")
	require.NoError(t, err)

	// Flip one character of the base64 payload.
	corrupted := []byte(ciphertext)
	if corrupted[0] == 'A' {
		corrupted[0] = 'B'
	} else {
		corrupted[0] = 'A'
	}

	_, err = v.Decrypt(string(corrupted), nonce)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthTagMismatch))
}

func TestDecryptWrongKey(t *testing.T) {
	v1 := newTestVault(t)
	v2 := newTestVault(t)

	ciphertext, nonce, err := v1.Encrypt("secret")
	require.NoError(t, err)

	_, err = v2.Decrypt(ciphertext, nonce)
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthTagMismatch))
}

func TestHashAndVerifyPassword(t *testing.T) {
	v := newTestVault(t)

	hash, err := v.HashPassword("my_secure_password123!")
	require.NoError(t, err)

	ok, err := v.VerifyPassword("my_secure_password123!", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.VerifyPassword("wrong_password", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashesAreSalted(t *testing.T) {
	v := newTestVault(t)

	h1, err := v.HashPassword("same_password")
	require.NoError(t, err)
	h2, err := v.HashPassword("same_password")
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)

	ok, err := v.VerifyPassword("same_password", h1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = v.VerifyPassword("same_password", h2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPepperChangesHash(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	p1 := make([]byte, 32)
	p2 := make([]byte, 32)
	_, err = rand.Read(p1)
	require.NoError(t, err)
	_, err = rand.Read(p2)
	require.NoError(t, err)

	v1, err := NewWithSecrets(key, p1)
	require.NoError(t, err)
	defer v1.Close()
	v2, err := NewWithSecrets(key, p2)
	require.NoError(t, err)
	defer v2.Close()

	hash, err := v1.HashPassword("pw")
	require.NoError(t, err)

	// Same password, different pepper: must not verify.
	ok, err := v2.VerifyPassword("pw", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()

	master1, pepper1, err := fileSecrets(dir)
	require.NoError(t, err)
	require.Len(t, master1, 32)
	require.Len(t, pepper1, 32)

	// Second open reads the same pair back.
	master2, pepper2, err := fileSecrets(dir)
	require.NoError(t, err)
	assert.Equal(t, master1, master2)
	assert.Equal(t, pepper1, pepper2)
}

func TestVaultRejectsShortKey(t *testing.T) {
	_, err := NewWithSecrets(make([]byte, 16), make([]byte, 32))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCryptoFailure))
}
