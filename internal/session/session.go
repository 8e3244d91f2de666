// Package session manages the short-lived cryptographic credentials a
// caller must hold before requesting decryption shares. A session binds
// a wallet address and a policy scope to an ephemeral ed25519 keypair;
// the wallet certifies the ephemeral key by signing a challenge, and
// the ephemeral key then signs the individual key-server requests.
package session

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"memvault.org/internal/identity"
)

var (
	ErrSignatureInvalid = errors.New("session: signature invalid")
	ErrExpiredSession   = errors.New("session: expired")
	ErrNoSessionFound   = errors.New("session: not found")
)

// Key derives the store key for a (user, scope) pair.
func Key(user, scope string) string { return user + ":" + scope }

// Session is one (user, scope) pair's right to request decryption for
// a bounded time window. It is created unsigned, becomes signed once
// the wallet signature is accepted, and is read-only from then on.
type Session struct {
	user      string
	scope     string
	challenge []byte
	signature []byte
	createdAt time.Time
	expiresAt time.Time

	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newSession(user, scope string, createdAt time.Time, ttl time.Duration) (*Session, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("session: generate ephemeral key: %w", err)
	}
	s := &Session{
		user:      user,
		scope:     scope,
		createdAt: createdAt,
		expiresAt: createdAt.Add(ttl),
		pub:       pub,
		priv:      priv,
	}
	s.challenge = ChallengeMessage(user, scope, pub, s.expiresAt.UnixMilli())
	return s, nil
}

// ChallengeMessage renders the personal message the wallet signs. The
// exact byte layout is shared with the key servers, which rebuild it
// from the certificate fields to verify the wallet signature.
func ChallengeMessage(user, scope string, sessionKey ed25519.PublicKey, expiresAtMs int64) []byte {
	return []byte("memvault session v1\n" +
		"user: " + user + "\n" +
		"scope: " + scope + "\n" +
		"session-key: " + hex.EncodeToString(sessionKey) + "\n" +
		"expires-at-ms: " + strconv.FormatInt(expiresAtMs, 10))
}

func (s *Session) User() string         { return s.user }
func (s *Session) Scope() string        { return s.scope }
func (s *Session) Challenge() []byte    { return s.challenge }
func (s *Session) CreatedAt() time.Time { return s.createdAt }
func (s *Session) ExpiresAt() time.Time { return s.expiresAt }

// Signed reports whether the wallet signature has been accepted.
func (s *Session) Signed() bool { return s.signature != nil }

// Expired treats the boundary inclusively: a session with
// expiresAt == now is already expired.
func (s *Session) Expired(now time.Time) bool { return !now.Before(s.expiresAt) }

// Certificate packages everything a key server needs to verify that
// the wallet authorised this session.
type Certificate struct {
	User            string `json:"user"`
	Scope           string `json:"scope"`
	SessionKey      []byte `json:"session_key"`
	ExpiresAtMs     int64  `json:"expires_at_ms"`
	WalletSignature []byte `json:"wallet_signature"`
}

// Certificate returns the transferable session certificate. Only a
// signed session has one.
func (s *Session) Certificate() (Certificate, error) {
	if !s.Signed() {
		return Certificate{}, ErrNoSessionFound
	}
	return Certificate{
		User:            s.user,
		Scope:           s.scope,
		SessionKey:      append([]byte(nil), s.pub...),
		ExpiresAtMs:     s.expiresAt.UnixMilli(),
		WalletSignature: append([]byte(nil), s.signature...),
	}, nil
}

// VerifyCertificate checks the wallet signature chain: the user's
// wallet key must have signed the challenge that embeds the session
// key and expiry.
func VerifyCertificate(cert Certificate) error {
	wallet, err := identity.DecodeAddress(cert.User)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	msg := ChallengeMessage(cert.User, cert.Scope, cert.SessionKey, cert.ExpiresAtMs)
	if !ed25519.Verify(ed25519.PublicKey(wallet), msg, cert.WalletSignature) {
		return ErrSignatureInvalid
	}
	return nil
}

type requestClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// RequestToken mints the per-request EdDSA JWT a key server uses to
// check that the caller actually holds the session's ephemeral key.
func (s *Session) RequestToken(now time.Time) (string, error) {
	if !s.Signed() {
		return "", ErrNoSessionFound
	}
	claims := requestClaims{
		Scope: s.scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.user,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(s.expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.priv)
	if err != nil {
		return "", fmt.Errorf("session: sign request token: %w", err)
	}
	return token, nil
}

// VerifyRequestToken validates a request token against the session
// certificate it claims to belong to.
func VerifyRequestToken(token string, cert Certificate, now func() time.Time) error {
	claims := &requestClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return ed25519.PublicKey(cert.SessionKey), nil },
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithTimeFunc(now),
	)
	if err != nil || !parsed.Valid {
		return ErrSignatureInvalid
	}
	if claims.Subject != cert.User || claims.Scope != cert.Scope {
		return ErrSignatureInvalid
	}
	return nil
}

// attachSignature is called by the manager under the store's per-key
// lock. Accepting the same signature twice is a no-op.
func (s *Session) attachSignature(sig []byte) error {
	if s.Signed() {
		if bytes.Equal(s.signature, sig) {
			return nil
		}
		return ErrSignatureInvalid
	}
	wallet, err := identity.DecodeAddress(s.user)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !ed25519.Verify(ed25519.PublicKey(wallet), s.challenge, sig) {
		return ErrSignatureInvalid
	}
	s.signature = append([]byte(nil), sig...)
	return nil
}
