// Package encryption seals message content at rest with a single
// process-wide symmetric key.
package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length of the content encryption key.
const KeySize = chacha20poly1305.KeySize

var (
	// ErrIntegrity is returned when stored content cannot be opened with the
	// configured key. Callers must treat it as fatal for the read.
	ErrIntegrity = errors.New("message integrity check failed")
	ErrKeySize   = fmt.Errorf("encryption key must be %d bytes", KeySize)
)

type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("new xchacha20-poly1305: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt returns nonce||ciphertext. Every call uses a fresh random nonce, so
// the output never equals the plaintext, even for empty content.
func (c *Cipher) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (c *Cipher) Decrypt(sealed []byte) (string, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns+c.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrIntegrity)
	}

	plaintext, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	return string(plaintext), nil
}
