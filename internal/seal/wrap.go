package seal

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// wrapInfo is the HKDF domain separator for share wrapping. Changing
// it invalidates every stored wrapped share.
const wrapInfo = "memvault share wrap v1|"

var ErrUnwrap = errors.New("seal: share unwrap failed")

// WrappedShare is one key share encrypted to a single key server's
// X25519 public key. Only that server can recover the inner share, and
// it does so only after the approval transaction simulates clean.
type WrappedShare struct {
	Server       string `json:"server"`
	Index        byte   `json:"index"`
	EphemeralPub []byte `json:"ephemeral_pub"`
	Nonce        []byte `json:"nonce"`
	Sealed       []byte `json:"sealed"`
}

// GenerateServerKey creates an X25519 keypair for a key server.
func GenerateServerKey() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, fmt.Errorf("seal: entropy: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("seal: derive public key: %w", err)
	}
	return priv, pub, nil
}

// PublicKey derives the X25519 public key for a server private key.
func PublicKey(priv []byte) ([]byte, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("seal: derive public key: %w", err)
	}
	return pub, nil
}

// WrapShare encrypts share to serverPub, binding it to the identity
// bytes and the share index through the KDF info and the AEAD
// associated data.
func WrapShare(server string, serverPub, id []byte, share Share) (WrappedShare, error) {
	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, ephPriv); err != nil {
		return WrappedShare{}, fmt.Errorf("seal: entropy: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return WrappedShare{}, fmt.Errorf("seal: ephemeral key: %w", err)
	}
	shared, err := curve25519.X25519(ephPriv, serverPub)
	if err != nil {
		return WrappedShare{}, fmt.Errorf("seal: key agreement: %w", err)
	}

	key, err := wrapKey(shared, ephPub, serverPub, id)
	if err != nil {
		return WrappedShare{}, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return WrappedShare{}, fmt.Errorf("seal: aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return WrappedShare{}, fmt.Errorf("seal: entropy: %w", err)
	}

	return WrappedShare{
		Server:       server,
		Index:        share.Index,
		EphemeralPub: ephPub,
		Nonce:        nonce,
		Sealed:       aead.Seal(nil, nonce, share.Value, shareAAD(id, share.Index)),
	}, nil
}

// UnwrapShare recovers the inner share using the server's private key.
func UnwrapShare(serverPriv, id []byte, ws WrappedShare) (Share, error) {
	serverPub, err := curve25519.X25519(serverPriv, curve25519.Basepoint)
	if err != nil {
		return Share{}, fmt.Errorf("seal: derive public key: %w", err)
	}
	shared, err := curve25519.X25519(serverPriv, ws.EphemeralPub)
	if err != nil {
		return Share{}, ErrUnwrap
	}
	key, err := wrapKey(shared, ws.EphemeralPub, serverPub, id)
	if err != nil {
		return Share{}, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Share{}, fmt.Errorf("seal: aead: %w", err)
	}
	value, err := aead.Open(nil, ws.Nonce, ws.Sealed, shareAAD(id, ws.Index))
	if err != nil {
		return Share{}, ErrUnwrap
	}
	return Share{Index: ws.Index, Value: value}, nil
}

func wrapKey(shared, ephPub, serverPub, id []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephPub)+len(serverPub))
	salt = append(salt, ephPub...)
	salt = append(salt, serverPub...)
	info := append([]byte(wrapInfo), id...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, info), key); err != nil {
		return nil, fmt.Errorf("seal: kdf: %w", err)
	}
	return key, nil
}

func shareAAD(id []byte, index byte) []byte {
	aad := make([]byte, 0, len(id)+1)
	aad = append(aad, id...)
	return append(aad, index)
}
