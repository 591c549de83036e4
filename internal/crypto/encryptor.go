package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// Encryptor seals values before they reach durable storage.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type secretboxEncryptor struct {
	key [32]byte
}

// NewEncryptor returns an Encryptor backed by NaCl secretbox.
func NewEncryptor(key []byte) (Encryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	e := &secretboxEncryptor{}
	copy(e.key[:], key)
	return e, nil
}

func (e *secretboxEncryptor) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &e.key)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (e *secretboxEncryptor) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", errors.New("ciphertext too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &e.key)
	if !ok {
		return "", errors.New("decryption failed")
	}
	return string(plain), nil
}

// NoopEncryptor stores values as-is. Used for the memory backend and for
// durable backends when no encryption key is configured.
type NoopEncryptor struct{}

func (NoopEncryptor) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (NoopEncryptor) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }
