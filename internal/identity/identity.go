// Package identity maps access-policy descriptions to the canonical
// byte strings used as IBE identities. The encoding is part of the
// wire contract: the encrypting client, the key servers and the
// on-ledger access contract must all derive byte-identical strings
// from the same logical policy.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// FormatVersion names the current identity layout. Bump only together
// with a migration plan: old ciphertexts embed the old byte strings.
const FormatVersion = 1

var (
	ErrMissingParameter = errors.New("identity: missing required parameter")
	ErrInvalidIdentity  = errors.New("identity: malformed identity")
	ErrInvalidAddress   = errors.New("identity: malformed address")
)

// Kind discriminates the closed set of policy kinds.
type Kind uint8

const (
	KindSelf Kind = iota
	KindApp
	KindTimeLocked
	KindRole
	KindConditional
)

func (k Kind) String() string {
	switch k {
	case KindSelf:
		return "self"
	case KindApp:
		return "app"
	case KindTimeLocked:
		return "time"
	case KindRole:
		return "role"
	case KindConditional:
		return "cond"
	default:
		return "unknown"
	}
}

func kindFromString(s string) (Kind, bool) {
	switch s {
	case "self":
		return KindSelf, true
	case "app":
		return KindApp, true
	case "time":
		return KindTimeLocked, true
	case "role":
		return KindRole, true
	case "cond":
		return KindConditional, true
	default:
		return 0, false
	}
}

// Policy describes who may decrypt and under what condition. Exactly
// the fields required by Kind must be populated.
type Policy struct {
	Kind Kind

	// User is the owning user's address (hex-encoded ed25519 public key).
	User string

	// App is the target application address. Required for KindApp.
	App string

	// ExpiresAtMs is the Unix-millisecond end of the access window.
	// Required for KindTimeLocked.
	ExpiresAtMs int64

	// Role names the on-ledger role. Required for KindRole.
	Role string

	// ConditionHash is the hex BLAKE2b-256 digest of the canonical
	// condition object. Required for KindConditional; see ConditionHash.
	ConditionHash string
}

// Encode produces the canonical identity bytes for p. Identical
// policies always encode to identical bytes. The format is
// "<kind>:<user>[:<extra>]" with ':' as the only separator; none of
// the components may themselves contain ':'.
func Encode(p Policy) ([]byte, error) {
	if p.User == "" {
		return nil, fmt.Errorf("%w: user address", ErrMissingParameter)
	}
	if strings.ContainsRune(p.User, ':') {
		return nil, fmt.Errorf("%w: user address contains separator", ErrInvalidIdentity)
	}

	switch p.Kind {
	case KindSelf:
		return []byte("self:" + p.User), nil
	case KindApp:
		if p.App == "" {
			return nil, fmt.Errorf("%w: target app address", ErrMissingParameter)
		}
		if strings.ContainsRune(p.App, ':') {
			return nil, fmt.Errorf("%w: app address contains separator", ErrInvalidIdentity)
		}
		return []byte("app:" + p.User + ":" + p.App), nil
	case KindTimeLocked:
		if p.ExpiresAtMs <= 0 {
			return nil, fmt.Errorf("%w: time-lock expiry", ErrMissingParameter)
		}
		return []byte("time:" + p.User + ":" + strconv.FormatInt(p.ExpiresAtMs, 10)), nil
	case KindRole:
		if p.Role == "" {
			return nil, fmt.Errorf("%w: role name", ErrMissingParameter)
		}
		if strings.ContainsRune(p.Role, ':') {
			return nil, fmt.Errorf("%w: role name contains separator", ErrInvalidIdentity)
		}
		return []byte("role:" + p.User + ":" + p.Role), nil
	case KindConditional:
		if p.ConditionHash == "" {
			return nil, fmt.Errorf("%w: condition hash", ErrMissingParameter)
		}
		return []byte("cond:" + p.User + ":" + p.ConditionHash), nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidIdentity, p.Kind)
	}
}

// Parse is the inverse of Encode. It is used by the in-memory access
// contract to evaluate approval transactions.
func Parse(id []byte) (Policy, error) {
	parts := strings.Split(string(id), ":")
	if len(parts) < 2 {
		return Policy{}, ErrInvalidIdentity
	}
	kind, ok := kindFromString(parts[0])
	if !ok {
		return Policy{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidIdentity, parts[0])
	}
	p := Policy{Kind: kind, User: parts[1]}
	if p.User == "" {
		return Policy{}, fmt.Errorf("%w: empty user", ErrInvalidIdentity)
	}

	extra := ""
	if len(parts) == 3 {
		extra = parts[2]
	}
	if len(parts) > 3 {
		return Policy{}, ErrInvalidIdentity
	}

	switch kind {
	case KindSelf:
		if extra != "" {
			return Policy{}, ErrInvalidIdentity
		}
	case KindApp:
		if extra == "" {
			return Policy{}, fmt.Errorf("%w: target app address", ErrMissingParameter)
		}
		p.App = extra
	case KindTimeLocked:
		ms, err := strconv.ParseInt(extra, 10, 64)
		if err != nil || ms <= 0 {
			return Policy{}, fmt.Errorf("%w: time-lock expiry", ErrInvalidIdentity)
		}
		p.ExpiresAtMs = ms
	case KindRole:
		if extra == "" {
			return Policy{}, fmt.Errorf("%w: role name", ErrMissingParameter)
		}
		p.Role = extra
	case KindConditional:
		if extra == "" {
			return Policy{}, fmt.Errorf("%w: condition hash", ErrMissingParameter)
		}
		p.ConditionHash = extra
	}
	return p, nil
}

// ConditionHash derives the canonical digest for a condition object.
// The object is serialised as JSON (Go sorts map keys, which gives a
// canonical byte stream for map-shaped conditions) and hashed with
// BLAKE2b-256.
func ConditionHash(condition any) (string, error) {
	if condition == nil {
		return "", fmt.Errorf("%w: condition object", ErrMissingParameter)
	}
	data, err := json.Marshal(condition)
	if err != nil {
		return "", fmt.Errorf("identity: marshal condition: %w", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// AddressFromKey renders an ed25519 public key as a wallet address.
func AddressFromKey(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// DecodeAddress parses a wallet address back into raw key bytes,
// enforcing the fixed 32-byte width used across the wire formats.
func DecodeAddress(addr string) ([]byte, error) {
	raw, err := hex.DecodeString(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidAddress, ed25519.PublicKeySize, len(raw))
	}
	return raw, nil
}

// Equal reports whether two identities are byte-identical.
func Equal(a, b []byte) bool { return bytes.Equal(a, b) }
