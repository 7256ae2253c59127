// Package secretenvelope implements the symmetric seal/unseal contract
// for per-graph secret values (C4): AES-256-GCM with a random 96-bit
// nonce prepended to ciphertext+tag, the whole thing base64url encoded
// (no padding).
//
// Grounded on the reference implementation's Encrypter contract (key
// handling, nonce-prepend-and-base64url framing, round-trip and
// tamper-detection behavior verified by its test suite). No ecosystem
// AEAD library appears anywhere in the retrieved example pack — the
// pack's only crypto usage is hashing (sha256, blake3) — so this
// component is implemented on the standard library's crypto/aes and
// crypto/cipher, per DESIGN.md's stdlib-justification entry for C4.
package secretenvelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const keySize = 32 // AES-256
const nonceSize = 12 // 96 bits, per §6.4

// Encrypter seals and unseals secret values with a fixed 32-byte key.
type Encrypter struct {
	gcm cipher.AEAD
}

// NewEncrypter builds an Encrypter from a raw 32-byte AES-256 key.
func NewEncrypter(key []byte) (*Encrypter, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("secretenvelope: key must be %d raw bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secretenvelope: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretenvelope: %w", err)
	}
	return &Encrypter{gcm: gcm}, nil
}

// NewEncrypterFromEnv decodes a base64url-encoded 32-byte key, the
// form SECRETS_ENCRYPTION_KEY is expected to carry (§6.3).
func NewEncrypterFromEnv(encodedKey string) (*Encrypter, error) {
	key, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(encodedKey)
	if err != nil {
		// Some operators generate keys with standard base64url padding;
		// accept either form for the key itself (the sealed-blob
		// validation rules in §6.4 apply only to stored secrets, not to
		// this startup key).
		key, err = base64.URLEncoding.DecodeString(encodedKey)
		if err != nil {
			return nil, fmt.Errorf("secretenvelope: key must be URL-safe base64: %w", err)
		}
	}
	return NewEncrypter(key)
}

// GenerateKey returns a fresh random 32-byte key, base64url encoded
// (no padding) — the format operators should put in
// SECRETS_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("secretenvelope: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(key), nil
}

// Seal encrypts plaintext and returns nonce‖ciphertext‖tag, base64url
// encoded with no padding. Every call uses a fresh random nonce, so
// sealing the same plaintext twice yields different blobs.
func (e *Encrypter) Seal(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secretenvelope: %w", err)
	}
	sealed := e.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal, returning an error if the
// blob is malformed or fails authentication (including when unsealed
// with the wrong key).
func (e *Encrypter) Open(blob string) (string, error) {
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("secretenvelope: %w", err)
	}
	if len(raw) < nonceSize {
		return "", errors.New("secretenvelope: sealed blob too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secretenvelope: %w", err)
	}
	return string(plaintext), nil
}

// Validate checks a sealed blob's surface shape per §6.4, without
// decrypting it: rejects anything whose decoded length is < 12 bytes,
// whose string is not base64url, or whose string is shorter than 32
// characters. Used by the graph-template validator (C6 rule 10
// precondition) to reject obviously malformed secrets at upsert time.
func Validate(blob string) error {
	if len(blob) < 32 {
		return errors.New("secretenvelope: value shorter than 32 characters")
	}
	for _, r := range blob {
		if !isURLSafeBase64Rune(r) {
			return fmt.Errorf("secretenvelope: value is not URL-safe base64: invalid character %q", r)
		}
	}
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(blob)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(blob)
		if err != nil {
			return fmt.Errorf("secretenvelope: value is not valid base64url: %w", err)
		}
	}
	if len(raw) < nonceSize {
		return fmt.Errorf("secretenvelope: decoded length %d is less than %d bytes", len(raw), nonceSize)
	}
	return nil
}

func isURLSafeBase64Rune(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_' || r == '=':
		return true
	}
	return false
}
