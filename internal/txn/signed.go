package txn

import (
	"crypto/ed25519"
	"fmt"

	"github.com/google/uuid"
)

// SignedKind discriminates the payloads carried by a signed envelope.
type SignedKind byte

const (
	SignedGrant  SignedKind = SignedKind(kindGrant)
	SignedRevoke SignedKind = SignedKind(kindRevoke)
)

// GrantTx is a decoded permission-grant transaction.
type GrantTx struct {
	Owner       string
	App         string
	DataIDs     []string
	ExpiresAtMs int64
	Nonce       [16]byte
}

// RevokeTx is a decoded revocation transaction.
type RevokeTx struct {
	Owner   string
	GrantID string
	Nonce   [16]byte
}

// BuildGrantPayload encodes the unsigned body of a grant transaction.
// The random nonce makes two otherwise-identical grants distinct.
func BuildGrantPayload(owner, app string, dataIDs []string, expiresAtMs int64) ([]byte, error) {
	if len(dataIDs) == 0 {
		return nil, fmt.Errorf("%w: grant covers no data ids", ErrMalformedTx)
	}
	if len(dataIDs) > 0xffff {
		return nil, fmt.Errorf("%w: too many data ids", ErrMalformedTx)
	}
	if expiresAtMs < 0 {
		return nil, fmt.Errorf("%w: negative expiry", ErrMalformedTx)
	}

	w := newWriter(kindGrant)
	if err := w.address(owner); err != nil {
		return nil, fmt.Errorf("owner %v", err)
	}
	if err := w.address(app); err != nil {
		return nil, fmt.Errorf("app %v", err)
	}
	w.u16(uint16(len(dataIDs)))
	for _, id := range dataIDs {
		w.taggedBytes([]byte(id))
	}
	w.taggedU64(uint64(expiresAtMs))
	nonce := uuid.New()
	w.buf.Write(nonce[:])
	return w.bytes(), nil
}

// BuildRevokePayload encodes the unsigned body of a revoke transaction.
func BuildRevokePayload(owner, grantID string) ([]byte, error) {
	if grantID == "" {
		return nil, fmt.Errorf("%w: empty grant id", ErrMalformedTx)
	}
	w := newWriter(kindRevoke)
	if err := w.address(owner); err != nil {
		return nil, fmt.Errorf("owner %v", err)
	}
	w.taggedBytes([]byte(grantID))
	nonce := uuid.New()
	w.buf.Write(nonce[:])
	return w.bytes(), nil
}

// Attach wraps a payload with the wallet public key and signature into
// a submittable signed transaction. The signature must cover exactly
// the payload bytes.
func Attach(payload []byte, pub ed25519.PublicKey, sig []byte) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return nil, ErrBadSignature
	}
	out := make([]byte, 0, len(payload)+len(pub)+len(sig))
	out = append(out, payload...)
	out = append(out, pub...)
	return append(out, sig...), nil
}

// SignedTx is a verified signed envelope. Signer is the wallet address
// derived from the embedded public key; authorization checks against
// the payload's owner field happen ledger-side.
type SignedTx struct {
	Kind    SignedKind
	Payload []byte
	Signer  string
}

// ParseSigned splits a signed envelope and verifies the signature. It
// does not interpret the payload beyond its kind byte.
func ParseSigned(tx []byte) (SignedTx, error) {
	trailer := ed25519.PublicKeySize + ed25519.SignatureSize
	if len(tx) < len(txMagic)+2+trailer {
		return SignedTx{}, fmt.Errorf("%w: truncated", ErrMalformedTx)
	}
	payload := tx[:len(tx)-trailer]
	pub := ed25519.PublicKey(tx[len(payload) : len(payload)+ed25519.PublicKeySize])
	sig := tx[len(payload)+ed25519.PublicKeySize:]

	if !ed25519.Verify(pub, payload, sig) {
		return SignedTx{}, ErrBadSignature
	}

	kind := SignedKind(payload[len(txMagic)+1])
	if kind != SignedGrant && kind != SignedRevoke {
		return SignedTx{}, fmt.Errorf("%w: unexpected kind %d", ErrMalformedTx, kind)
	}
	return SignedTx{
		Kind:    kind,
		Payload: payload,
		Signer:  fmt.Sprintf("%x", []byte(pub)),
	}, nil
}

// ParseGrant decodes a grant payload.
func ParseGrant(payload []byte) (GrantTx, error) {
	r, err := newReader(payload, kindGrant)
	if err != nil {
		return GrantTx{}, err
	}
	var g GrantTx
	if g.Owner, err = r.address(); err != nil {
		return GrantTx{}, err
	}
	if g.App, err = r.address(); err != nil {
		return GrantTx{}, err
	}
	count, err := r.u16()
	if err != nil {
		return GrantTx{}, err
	}
	for i := 0; i < int(count); i++ {
		id, err := r.taggedBytes()
		if err != nil {
			return GrantTx{}, err
		}
		g.DataIDs = append(g.DataIDs, string(id))
	}
	exp, err := r.taggedU64()
	if err != nil {
		return GrantTx{}, err
	}
	g.ExpiresAtMs = int64(exp)
	nonce, err := r.take(16)
	if err != nil {
		return GrantTx{}, err
	}
	copy(g.Nonce[:], nonce)
	if err := r.done(); err != nil {
		return GrantTx{}, err
	}
	return g, nil
}

// ParseRevoke decodes a revoke payload.
func ParseRevoke(payload []byte) (RevokeTx, error) {
	r, err := newReader(payload, kindRevoke)
	if err != nil {
		return RevokeTx{}, err
	}
	var rv RevokeTx
	if rv.Owner, err = r.address(); err != nil {
		return RevokeTx{}, err
	}
	id, err := r.taggedBytes()
	if err != nil {
		return RevokeTx{}, err
	}
	rv.GrantID = string(id)
	nonce, err := r.take(16)
	if err != nil {
		return RevokeTx{}, err
	}
	copy(rv.Nonce[:], nonce)
	if err := r.done(); err != nil {
		return RevokeTx{}, err
	}
	return rv, nil
}
