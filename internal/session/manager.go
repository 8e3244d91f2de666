package session

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"memvault.org/internal/identity"
)

const defaultTTL = 30 * time.Minute

// Manager drives the per-key session state machine:
// unissued -> unsigned (challenge out) -> signed (usable) -> expired.
// All transitions for one key run under that key's store lock.
type Manager struct {
	store  *Store
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// Option configures Manager behavior.
type Option func(*Manager)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithDefaultTTL sets the TTL used when a caller passes none.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager constructs a Manager over the given store.
func NewManager(store *Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		ttl:    defaultTTL,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IssueChallenge returns the challenge for (user, scope), creating a
// fresh session if none is live. While a live entry exists the same
// challenge bytes come back on every call: concurrent or retried
// callers can never end up racing two in-flight challenges for one
// key.
func (m *Manager) IssueChallenge(user, scope string, ttl time.Duration) ([]byte, time.Time, error) {
	if _, err := identity.DecodeAddress(user); err != nil {
		return nil, time.Time{}, fmt.Errorf("session: issue challenge: %w", err)
	}
	if scope == "" {
		return nil, time.Time{}, fmt.Errorf("session: issue challenge: empty scope")
	}
	if ttl <= 0 {
		ttl = m.ttl
	}

	now := m.now()
	sess, err := m.store.Mutate(Key(user, scope), func(cur *Session) (*Session, error) {
		if cur != nil && !cur.Expired(now) {
			return cur, nil
		}
		return newSession(user, scope, now, ttl)
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return sess.Challenge(), sess.ExpiresAt(), nil
}

// AcceptSignature attaches the wallet signature to the in-flight
// challenge. Verification failures leave the session unsigned.
func (m *Manager) AcceptSignature(user, scope string, sig []byte) error {
	now := m.now()
	_, err := m.store.Mutate(Key(user, scope), func(cur *Session) (*Session, error) {
		if cur == nil {
			return nil, ErrNoSessionFound
		}
		if cur.Expired(now) {
			// Leave eviction to the sweeper; the entry is dead either way.
			return cur, ErrExpiredSession
		}
		if err := cur.attachSignature(sig); err != nil {
			return cur, err
		}
		return cur, nil
	})
	if err != nil {
		return err
	}
	m.logger.Debug("session signed", zap.String("user", user), zap.String("scope", scope))
	return nil
}

// Use returns the signed session for (user, scope) for a decryption
// request. The signed check runs inside the store's per-key critical
// section, so a concurrent AcceptSignature's write to the session is
// ordered before any use of the returned object. Once signed a session
// is read-only; concurrent decrypts reuse the same object.
func (m *Manager) Use(user, scope string) (*Session, error) {
	now := m.now()
	var sess *Session
	err := m.store.View(Key(user, scope), func(cur *Session) error {
		if cur == nil {
			return ErrNoSessionFound
		}
		if cur.Expired(now) {
			return ErrExpiredSession
		}
		if !cur.Signed() {
			return ErrNoSessionFound
		}
		sess = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}
