package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/GoAlgoDesk/algodesk/internal/pkg/apperrors"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/logger"
	"github.com/awnumar/memguard"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
)

const (
	// Service is the keychain service name; a single entry keeps the
	// number of OS keychain prompts to one per application start.
	Service = "algodesk-desktop"
	account = "app-secrets"

	keySize   = 32
	nonceSize = 12

	argonMemory  = 19 * 1024
	argonTime    = 2
	argonThreads = 1
	argonKeyLen  = 32
	argonSaltLen = 16
)

// appSecrets is the serialized keychain payload.
type appSecrets struct {
	MasterKey string `json:"master_key"` // base64 encoded, 32 bytes
	Pepper    string `json:"pepper"`     // base64 encoded, 32 bytes
}

// Vault custodies the master key and password pepper. The key material is
// held in locked memory for the lifetime of the process and never written
// to disk in cleartext.
type Vault struct {
	key    *memguard.LockedBuffer
	pepper *memguard.LockedBuffer
}

// Open binds the vault to the single OS keychain entry, generating and
// persisting fresh secrets on first run. When headless is true the
// file-backed store under dataDir is used instead. An unreachable
// keychain is not a reason to use the file store: Open then fails with
// VaultUnavailable.
func Open(dataDir string, headless bool) (*Vault, error) {
	if headless {
		masterKey, pepper, err := fileSecrets(dataDir)
		if err != nil {
			return nil, err
		}
		return fromSecrets(masterKey, pepper)
	}

	payload, err := keyring.Get(Service, account)
	switch {
	case err == nil:
		var secrets appSecrets
		if err := json.Unmarshal([]byte(payload), &secrets); err != nil {
			return nil, apperrors.New(apperrors.ErrCryptoFailure, "keychain entry is not valid JSON", err)
		}
		masterKey, err := base64.StdEncoding.DecodeString(secrets.MasterKey)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCryptoFailure, "invalid master key encoding", err)
		}
		pepper, err := base64.StdEncoding.DecodeString(secrets.Pepper)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCryptoFailure, "invalid pepper encoding", err)
		}
		return fromSecrets(masterKey, pepper)

	case errors.Is(err, keyring.ErrNotFound):
		// First run: generate both secrets and persist atomically in a
		// single entry.
		masterKey := make([]byte, keySize)
		pepper := make([]byte, keySize)
		if _, err := rand.Read(masterKey); err != nil {
			return nil, apperrors.New(apperrors.ErrCryptoFailure, "entropy source failed", err)
		}
		if _, err := rand.Read(pepper); err != nil {
			return nil, apperrors.New(apperrors.ErrCryptoFailure, "entropy source failed", err)
		}
		raw, err := json.Marshal(appSecrets{
			MasterKey: base64.StdEncoding.EncodeToString(masterKey),
			Pepper:    base64.StdEncoding.EncodeToString(pepper),
		})
		if err != nil {
			return nil, apperrors.New(apperrors.ErrInternal, "serialize secrets", err)
		}
		if err := keyring.Set(Service, account, string(raw)); err != nil {
			return nil, apperrors.New(apperrors.ErrVaultUnavailable, "keychain refused to store secrets", err)
		}
		logger.Info("Generated new vault secrets", "service", Service)
		return fromSecrets(masterKey, pepper)

	default:
		return nil, apperrors.New(apperrors.ErrVaultUnavailable, "keychain unavailable", err)
	}
}

// NewWithSecrets builds a vault from copies of raw key material. Used by
// tests; Open builds its vault through fromSecrets directly.
func NewWithSecrets(masterKey, pepper []byte) (*Vault, error) {
	return fromSecrets(append([]byte(nil), masterKey...), append([]byte(nil), pepper...))
}

func fromSecrets(masterKey, pepper []byte) (*Vault, error) {
	if len(masterKey) != keySize {
		return nil, apperrors.New(apperrors.ErrCryptoFailure,
			fmt.Sprintf("invalid key size: expected %d, got %d", keySize, len(masterKey)), nil)
	}
	if len(pepper) < 16 {
		return nil, apperrors.New(apperrors.ErrCryptoFailure, "pepper too short", nil)
	}
	// memguard wipes the source slices after sealing them.
	return &Vault{
		key:    memguard.NewBufferFromBytes(masterKey),
		pepper: memguard.NewBufferFromBytes(pepper),
	}, nil
}

// Close wipes the key material from memory.
func (v *Vault) Close() {
	if v.key != nil {
		v.key.Destroy()
	}
	if v.pepper != nil {
		v.pepper.Destroy()
	}
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key.Bytes())
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCryptoFailure, "cipher init failed", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCryptoFailure, "GCM init failed", err)
	}
	return aead, nil
}

// Encrypt seals plaintext under the master key with a fresh 96-bit nonce.
// The caller must persist the nonce alongside the ciphertext; a nonce is
// never reused under the master key.
func (v *Vault) Encrypt(plaintext string) (ciphertextB64, nonceB64 string, err error) {
	aead, err := v.gcm()
	if err != nil {
		return "", "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", apperrors.New(apperrors.ErrCryptoFailure, "nonce generation failed", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), base64.StdEncoding.EncodeToString(nonce), nil
}

// Decrypt is the inverse of Encrypt. A damaged ciphertext or a foreign key
// surfaces as AuthTagMismatch; the plaintext is never partially returned.
func (v *Vault) Decrypt(ciphertextB64, nonceB64 string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", apperrors.New(apperrors.ErrCryptoFailure, "invalid ciphertext encoding", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return "", apperrors.New(apperrors.ErrCryptoFailure, "invalid nonce encoding", err)
	}
	if len(nonce) != nonceSize {
		return "", apperrors.New(apperrors.ErrCryptoFailure,
			fmt.Sprintf("invalid nonce size: expected %d, got %d", nonceSize, len(nonce)), nil)
	}
	aead, err := v.gcm()
	if err != nil {
		return "", err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", apperrors.New(apperrors.ErrAuthTagMismatch, "decryption failed", err)
	}
	return string(plaintext), nil
}

// pepperPassword mixes the configured pepper into a password before
// hashing. The pepper travels base64-encoded so the concatenation is a
// well-formed string regardless of the raw bytes.
func (v *Vault) pepperPassword(password string) string {
	return password + base64.StdEncoding.EncodeToString(v.pepper.Bytes())
}

// HashPassword derives an Argon2id PHC string sized for interactive
// desktop login.
func (v *Vault) HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", apperrors.New(apperrors.ErrCryptoFailure, "salt generation failed", err)
	}
	sum := argon2.IDKey([]byte(v.pepperPassword(password)), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum)), nil
}

// VerifyPassword checks password against a PHC string in constant time.
func (v *Vault) VerifyPassword(password, phc string) (bool, error) {
	salt, sum, memory, time, threads, err := parsePHC(phc)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(v.pepperPassword(password)), salt, time, memory, threads, uint32(len(sum)))
	return subtle.ConstantTimeCompare(candidate, sum) == 1, nil
}

func parsePHC(phc string) (salt, sum []byte, memory uint32, time uint32, threads uint8, err error) {
	parts := strings.Split(phc, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, 0, 0, 0, apperrors.New(apperrors.ErrCryptoFailure, "invalid password hash format", nil)
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, nil, 0, 0, 0, apperrors.New(apperrors.ErrCryptoFailure, "unsupported argon2 version", err)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return nil, nil, 0, 0, 0, apperrors.New(apperrors.ErrCryptoFailure, "invalid argon2 parameters", err)
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, 0, 0, 0, apperrors.New(apperrors.ErrCryptoFailure, "invalid salt encoding", err)
	}
	sum, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, 0, 0, 0, apperrors.New(apperrors.ErrCryptoFailure, "invalid digest encoding", err)
	}
	return salt, sum, memory, time, threads, nil
}
