// Package secretbox encrypts TOTP shared secrets before they reach the
// credential store, using XChaCha20-Poly1305 with the user id as associated
// data so a ciphertext copied onto another account fails to open.
package secretbox

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const version1 byte = 1

var (
	ErrKeySize   = fmt.Errorf("secretbox key must be %d bytes", chacha20poly1305.KeySize)
	ErrOpen      = errors.New("secretbox: message authentication failed")
	ErrMalformed = errors.New("secretbox: malformed ciphertext")
)

// Box seals and opens values with one key. Safe for concurrent use.
type Box struct {
	aead interface {
		NonceSize() int
		Overhead() int
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

func New(key []byte) (*Box, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Seal returns version || nonce || ciphertext.
func (b *Box) Seal(plaintext []byte, userID string) ([]byte, error) {
	nonceSize := b.aead.NonceSize()
	out := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+b.aead.Overhead())
	out[0] = version1
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, err
	}
	return b.aead.Seal(out, out[1:1+nonceSize], plaintext, []byte(userID)), nil
}

func (b *Box) Open(sealed []byte, userID string) ([]byte, error) {
	nonceSize := b.aead.NonceSize()
	if len(sealed) < 1+nonceSize+b.aead.Overhead() || sealed[0] != version1 {
		return nil, ErrMalformed
	}
	plain, err := b.aead.Open(nil, sealed[1:1+nonceSize], sealed[1+nonceSize:], []byte(userID))
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}
