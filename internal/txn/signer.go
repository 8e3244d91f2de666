package txn

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"memvault.org/internal/identity"
)

// Signer wraps a wallet keypair for submitting grant and revoke
// transactions. The gateway itself never holds one; signing stays
// with the caller.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner builds a Signer from an existing private key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// GenerateSigner creates a fresh wallet keypair.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("txn: generate wallet key: %w", err)
	}
	return NewSigner(priv), nil
}

// Address returns the wallet address.
func (s *Signer) Address() string { return identity.AddressFromKey(s.pub) }

// SignTx signs payload and returns the full signed envelope.
func (s *Signer) SignTx(payload []byte) ([]byte, error) {
	sig := ed25519.Sign(s.priv, payload)
	return Attach(payload, s.pub, sig)
}
