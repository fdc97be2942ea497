package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the required encryption key length (AES-256).
	KeySize = 32
	// NonceSize is the GCM nonce length prepended to every ciphertext.
	NonceSize = 12
)

var (
	// ErrInvalidKeySize is returned when the encryption key is not exactly KeySize bytes.
	ErrInvalidKeySize = errors.New("encryption key must be 32 bytes")
	// ErrCiphertextTooShort is returned when a stored value is shorter than its nonce.
	ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce")
)

// Cipher encrypts and decrypts secret column values. A nil key produces a
// disabled cipher that passes data through unchanged, so plaintext and
// encrypted stores share the same code paths.
type Cipher struct {
	aead    cipher.AEAD
	enabled bool
}

// NewCipher builds a Cipher from key. A nil or empty key disables
// encryption; any length other than KeySize is an error.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) == 0 {
		return &Cipher{}, nil
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Cipher{aead: aead, enabled: true}, nil
}

// Enabled reports whether encryption is active.
func (c *Cipher) Enabled() bool {
	return c.enabled
}

// Encrypt seals plaintext and returns nonce||ciphertext. A disabled cipher
// returns the plaintext unchanged.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	if !c.enabled {
		return plaintext, nil
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce||ciphertext value produced by Encrypt.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if !c.enabled {
		return data, nil
	}
	if len(data) < NonceSize {
		return nil, ErrCiphertextTooShort
	}
	nonce, ciphertext := data[:NonceSize], data[NonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening ciphertext: %w", err)
	}
	return plaintext, nil
}

// GenerateEncryptionKey returns a fresh random key in the base64 form
// accepted by ParseEncryptionKey, suitable for a config file.
func GenerateEncryptionKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// ParseEncryptionKey accepts either KeySize raw bytes or the base64 form
// produced by GenerateEncryptionKey. An empty string disables encryption.
func ParseEncryptionKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if len(s) == KeySize {
		return []byte(s), nil
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("encryption key is neither %d raw bytes nor base64: %w", KeySize, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: decoded %d bytes", ErrInvalidKeySize, len(key))
	}
	return key, nil
}
