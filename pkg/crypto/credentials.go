// Package crypto encrypts connection credential blobs at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned when the encryption key is empty.
	ErrInvalidKey = errors.New("invalid encryption key: must not be empty")
	// ErrDecryptionFailed is returned when decryption fails due to invalid
	// ciphertext or a wrong key (typically a rotated CONNECTION_CREDENTIALS_KEY).
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or wrong key")
)

// BlobCipher provides AES-256-GCM authenticated encryption for connection
// credential blobs. The engine never interprets credentials; it only seals
// them before the repository write and opens them before handing them to a
// provider client factory.
type BlobCipher struct {
	aead cipher.AEAD
}

// NewBlobCipher creates a cipher from a key string. A base64-encoded
// 32-byte key (openssl rand -base64 32) is used directly; anything else is
// treated as a passphrase and hashed to 32 bytes with SHA-256.
func NewBlobCipher(keyInput string) (*BlobCipher, error) {
	if keyInput == "" {
		return nil, ErrInvalidKey
	}

	key := deriveKey(keyInput)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &BlobCipher{aead: aead}, nil
}

func deriveKey(keyInput string) []byte {
	decoded, err := base64.StdEncoding.DecodeString(keyInput)
	if err == nil && len(decoded) == 32 {
		return decoded
	}
	hash := sha256.Sum256([]byte(keyInput))
	return hash[:]
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext || tag).
// Empty blobs pass through unencrypted.
func (c *BlobCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens base64(nonce || ciphertext || tag) and returns plaintext.
// Empty blobs pass through.
func (c *BlobCipher) Decrypt(encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}

	return string(plaintext), nil
}
