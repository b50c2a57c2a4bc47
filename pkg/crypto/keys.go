// Package crypto encrypts tenant API keys at rest with AES-256-GCM.
// The cipher key is derived from the process secret via scrypt over a
// random per-blob salt; salt, nonce, and ciphertext (which carries the GCM
// auth tag) are packed into a single base64 blob.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	saltLen = 16
	keyLen  = 32 // AES-256

	// scrypt parameters, interactive-grade
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrMalformedBlob indicates the blob is not a valid encrypted key.
var ErrMalformedBlob = errors.New("malformed encrypted blob")

// KeyBox encrypts and decrypts small secrets with a shared process secret.
type KeyBox struct {
	secret []byte
}

// NewKeyBox creates a KeyBox. The secret must be non-empty.
func NewKeyBox(secret string) (*KeyBox, error) {
	if secret == "" {
		return nil, errors.New("encryption secret is required")
	}
	return &KeyBox{secret: []byte(secret)}, nil
}

// Encrypt seals plaintext into a base64 blob: salt || nonce || ciphertext.
func (b *KeyBox) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	gcm, err := b.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	blob := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt.
func (b *KeyBox) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	if len(raw) < saltLen {
		return "", ErrMalformedBlob
	}

	salt := raw[:saltLen]
	gcm, err := b.aead(salt)
	if err != nil {
		return "", err
	}

	rest := raw[saltLen:]
	if len(rest) < gcm.NonceSize() {
		return "", ErrMalformedBlob
	}
	nonce := rest[:gcm.NonceSize()]
	sealed := rest[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting blob: %w", err)
	}
	return string(plain), nil
}

func (b *KeyBox) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(b.secret, salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return gcm, nil
}
