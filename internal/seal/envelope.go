package seal

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// DEKSize is the byte length of the data-encryption key escrowed as
// the backup recovery key.
const DEKSize = chacha20poly1305.KeySize

var ErrEnvelopeOpen = errors.New("seal: envelope authentication failed")

// GenerateDEK returns a fresh random data-encryption key.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, DEKSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("seal: entropy: %w", err)
	}
	return dek, nil
}

// SealPlaintext encrypts plaintext under dek with the identity bytes
// as associated data, binding the ciphertext to its access policy.
func SealPlaintext(dek, id, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(dek)
	if err != nil {
		return nil, nil, fmt.Errorf("seal: aead: %w", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("seal: entropy: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, id), nil
}

// OpenPlaintext reverses SealPlaintext. A wrong key, a tampered
// ciphertext or a foreign identity all fail authentication; callers
// treat that as a server-consistency problem, never as partial output.
func OpenPlaintext(dek, id, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(dek)
	if err != nil {
		return nil, fmt.Errorf("seal: aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, id)
	if err != nil {
		return nil, ErrEnvelopeOpen
	}
	return plaintext, nil
}
