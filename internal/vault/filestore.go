package vault

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/GoAlgoDesk/algodesk/internal/pkg/apperrors"
)

const secretsFile = "secrets.dat"

// obfuscationKey is a fixed app-specific key used by the headless
// fallback. It protects the on-disk pair against casual inspection only;
// deployments that need real at-rest protection should use the keychain.
var obfuscationKey = []byte("AlgoDesk-Headless-v1-SecretKey!!")

// fileSecrets reads, or on first run creates, the headless equivalent of
// the keychain entry: the same {master_key, pepper} pair in a local file.
func fileSecrets(dataDir string) (masterKey, pepper []byte, err error) {
	path := filepath.Join(dataDir, secretsFile)

	if raw, err := os.ReadFile(path); err == nil {
		return decodeSecretsFile(raw)
	} else if !os.IsNotExist(err) {
		return nil, nil, apperrors.New(apperrors.ErrVaultUnavailable, "failed to read secrets file", err)
	}

	masterKey = make([]byte, keySize)
	pepper = make([]byte, keySize)
	if _, err := rand.Read(masterKey); err != nil {
		return nil, nil, apperrors.New(apperrors.ErrCryptoFailure, "entropy source failed", err)
	}
	if _, err := rand.Read(pepper); err != nil {
		return nil, nil, apperrors.New(apperrors.ErrCryptoFailure, "entropy source failed", err)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, nil, apperrors.New(apperrors.ErrVaultUnavailable, "failed to create data dir", err)
	}
	if err := os.WriteFile(path, encodeSecretsFile(masterKey, pepper), 0o600); err != nil {
		return nil, nil, apperrors.New(apperrors.ErrVaultUnavailable, "failed to write secrets file", err)
	}
	return masterKey, pepper, nil
}

func encodeSecretsFile(masterKey, pepper []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(xor(masterKey)) + ":" +
		base64.StdEncoding.EncodeToString(xor(pepper))
	return []byte(enc)
}

func decodeSecretsFile(raw []byte) (masterKey, pepper []byte, err error) {
	parts := strings.Split(string(raw), ":")
	if len(parts) != 2 {
		return nil, nil, apperrors.New(apperrors.ErrCryptoFailure, "invalid secrets file format", nil)
	}
	obMaster, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, apperrors.New(apperrors.ErrCryptoFailure, "invalid master key encoding", err)
	}
	obPepper, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, apperrors.New(apperrors.ErrCryptoFailure, "invalid pepper encoding", err)
	}
	return xor(obMaster), xor(obPepper), nil
}

func xor(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ obfuscationKey[i%len(obfuscationKey)]
	}
	return out
}
