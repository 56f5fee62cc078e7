package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/caravelhq/caravel/pkg/types"
)

// SecretsManager encrypts secret env-var values before they are
// persisted by the audit gateway
type SecretsManager struct {
	encryptionKey []byte // 32 bytes for AES-256
}

// NewSecretsManager creates a new secrets manager with the given encryption key
// The key must be 32 bytes for AES-256-GCM
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	return &SecretsManager{
		encryptionKey: key,
	}, nil
}

// NewSecretsManagerFromPassword creates a secrets manager using a password
// The password is hashed with SHA-256 to derive the encryption key
func NewSecretsManagerFromPassword(password string) (*SecretsManager, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}

	hash := sha256.Sum256([]byte(password))
	return NewSecretsManager(hash[:])
}

// Encrypt encrypts plaintext using AES-256-GCM with the nonce prepended
func (sm *SecretsManager) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt decrypts data produced by Encrypt
func (sm *SecretsManager) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// SealEnvVars returns a copy of vars with every secret value replaced
// by its base64-encoded ciphertext. Non-secret values pass through.
func (sm *SecretsManager) SealEnvVars(vars []types.EnvVar) ([]types.EnvVar, error) {
	sealed := make([]types.EnvVar, len(vars))
	for i, v := range vars {
		if !v.Secret {
			sealed[i] = v
			continue
		}
		ct, err := sm.Encrypt([]byte(v.Value))
		if err != nil {
			return nil, fmt.Errorf("failed to seal env var %s: %w", v.Key, err)
		}
		sealed[i] = types.EnvVar{
			Key:    v.Key,
			Value:  base64.StdEncoding.EncodeToString(ct),
			Secret: true,
		}
	}
	return sealed, nil
}

// OpenEnvVars reverses SealEnvVars
func (sm *SecretsManager) OpenEnvVars(vars []types.EnvVar) ([]types.EnvVar, error) {
	opened := make([]types.EnvVar, len(vars))
	for i, v := range vars {
		if !v.Secret {
			opened[i] = v
			continue
		}
		ct, err := base64.StdEncoding.DecodeString(v.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to decode env var %s: %w", v.Key, err)
		}
		pt, err := sm.Decrypt(ct)
		if err != nil {
			return nil, fmt.Errorf("failed to open env var %s: %w", v.Key, err)
		}
		opened[i] = types.EnvVar{Key: v.Key, Value: string(pt), Secret: true}
	}
	return opened, nil
}
