package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"memvault.org/internal/identity"
	"memvault.org/internal/ids"
	"memvault.org/internal/txn"
)

// Memory is an in-process ledger with the access contract built in.
// It backs tests and single-node development deployments; production
// uses the remote client against a real full node.
type Memory struct {
	mu       sync.RWMutex
	contract string
	now      func() time.Time

	grants     map[string]*Grant
	byOwner    map[string][]string
	roles      map[string]map[string]bool
	conditions map[string]bool
	events     []Event
}

// MemoryOption configures Memory.
type MemoryOption func(*Memory)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) MemoryOption {
	return func(m *Memory) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMemory creates an empty ledger hosting the access contract at the
// given address.
func NewMemory(contract string, opts ...MemoryOption) *Memory {
	m := &Memory{
		contract:   contract,
		now:        time.Now,
		grants:     make(map[string]*Grant),
		byOwner:    make(map[string][]string),
		roles:      make(map[string]map[string]bool),
		conditions: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SimulateTransaction evaluates an approval transaction against the
// contract's authorization rules. It returns (false, nil) for a clean
// denial; errors mean the transaction could not be evaluated at all.
func (m *Memory) SimulateTransaction(ctx context.Context, txBytes []byte) (bool, error) {
	a, err := txn.ParseApproval(txBytes)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	if a.Contract != m.contract {
		return false, fmt.Errorf("%w: unknown contract %s", ErrInvalidTransaction, a.Contract)
	}
	pol, err := identity.Parse(a.Identity)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()

	switch pol.Kind {
	case identity.KindSelf:
		return a.Sender == pol.User, nil

	case identity.KindApp:
		if a.App == "" || a.App != pol.App {
			return false, fmt.Errorf("%w: app argument mismatch", ErrInvalidTransaction)
		}
		if a.Sender != pol.App {
			return false, nil
		}
		if a.Function == txn.FuncApproveOpen {
			// Open deployments accept any package once the sender is
			// the addressed app; no per-app grant is required.
			return true, nil
		}
		for _, id := range m.byOwner[pol.User] {
			g := m.grants[id]
			if g.App == pol.App && g.LiveAt(now) && g.Covers(a.DataID) {
				return true, nil
			}
		}
		return false, nil

	case identity.KindTimeLocked:
		if a.Sender != pol.User {
			return false, nil
		}
		return now.UnixMilli() < pol.ExpiresAtMs, nil

	case identity.KindRole:
		members := m.roles[pol.User+":"+pol.Role]
		return members[a.Sender], nil

	case identity.KindConditional:
		return m.conditions[pol.ConditionHash], nil

	default:
		return false, fmt.Errorf("%w: unknown policy kind", ErrInvalidTransaction)
	}
}

// SubmitTransaction verifies and executes a signed grant or revoke
// transaction. Execution is atomic: either the full mutation lands and
// its event is recorded, or nothing changes.
func (m *Memory) SubmitTransaction(ctx context.Context, signedTx []byte) (*TxResult, error) {
	parsed, err := txn.ParseSigned(signedTx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	digest := txDigest(signedTx)

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	switch parsed.Kind {
	case txn.SignedGrant:
		g, err := txn.ParseGrant(parsed.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
		}
		if g.Owner != parsed.Signer {
			return nil, fmt.Errorf("%w: grant owner is not the signer", ErrUnauthorized)
		}
		grant := &Grant{
			ID:          ids.NewAt(now),
			Owner:       g.Owner,
			App:         g.App,
			DataIDs:     append([]string(nil), g.DataIDs...),
			ExpiresAtMs: g.ExpiresAtMs,
			CreatedAt:   now.UTC(),
		}
		m.grants[grant.ID] = grant
		m.byOwner[grant.Owner] = append(m.byOwner[grant.Owner], grant.ID)
		m.events = append(m.events, Event{
			Type:      EventGrantCreated,
			ObjectID:  grant.ID,
			Owner:     grant.Owner,
			App:       grant.App,
			Timestamp: now.UTC(),
		})
		return &TxResult{Digest: digest, CreatedIDs: []string{grant.ID}}, nil

	case txn.SignedRevoke:
		rv, err := txn.ParseRevoke(parsed.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
		}
		grant, ok := m.grants[rv.GrantID]
		if !ok {
			return nil, fmt.Errorf("%w: grant %s", ErrObjectNotFound, rv.GrantID)
		}
		if grant.Owner != parsed.Signer || rv.Owner != parsed.Signer {
			return nil, fmt.Errorf("%w: only the grant owner may revoke", ErrUnauthorized)
		}
		grant.Revoked = true
		m.events = append(m.events, Event{
			Type:      EventGrantRevoked,
			ObjectID:  grant.ID,
			Owner:     grant.Owner,
			App:       grant.App,
			Timestamp: now.UTC(),
		})
		return &TxResult{Digest: digest}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported kind", ErrInvalidTransaction)
	}
}

// GetObject returns a grant object by id.
func (m *Memory) GetObject(ctx context.Context, id string) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grant, ok := m.grants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	data, err := json.Marshal(grant)
	if err != nil {
		return nil, err
	}
	return &Object{ID: grant.ID, Type: ObjectTypeGrant, Owner: grant.Owner, Data: data}, nil
}

// QueryEvents returns recorded events matching the filter, oldest
// first.
func (m *Memory) QueryEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Owner != "" && e.Owner != f.Owner {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// SetRole records a role assignment on the ledger: member holds role
// under the given owner's namespace.
func (m *Memory) SetRole(owner, role, member string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := owner + ":" + role
	if m.roles[key] == nil {
		m.roles[key] = make(map[string]bool)
	}
	m.roles[key][member] = true
}

// SetCondition marks a condition object as satisfied (or not).
func (m *Memory) SetCondition(hash string, satisfied bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conditions[hash] = satisfied
}

func txDigest(tx []byte) string {
	sum := blake2b.Sum256(tx)
	return hex.EncodeToString(sum[:])
}

var _ Client = (*Memory)(nil)
