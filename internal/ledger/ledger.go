// Package ledger defines the narrow client surface the access-control
// core needs from the distributed ledger, plus the on-chain record
// types it reads. The core only ever builds unsigned transactions for
// key-server simulation; anything submitted for execution is signed by
// the caller's own wallet.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrObjectNotFound     = errors.New("ledger: object not found")
	ErrUnauthorized       = errors.New("ledger: unauthorized")
	ErrInvalidTransaction = errors.New("ledger: invalid transaction")
	ErrUnavailable        = errors.New("ledger: node unavailable")
)

// Client is the ledger access surface. SimulateTransaction evaluates
// an unsigned transaction against current state without executing it;
// SubmitTransaction executes a signed one. Both are network calls and
// honor ctx deadlines.
type Client interface {
	SimulateTransaction(ctx context.Context, txBytes []byte) (bool, error)
	SubmitTransaction(ctx context.Context, signedTx []byte) (*TxResult, error)
	GetObject(ctx context.Context, id string) (*Object, error)
	QueryEvents(ctx context.Context, f EventFilter) ([]Event, error)
}

// TxResult reports the effects of an executed transaction.
type TxResult struct {
	Digest     string   `json:"digest"`
	CreatedIDs []string `json:"created_ids,omitempty"`
}

// Object is a generic ledger object; Data carries the type-specific
// fields as JSON.
type Object struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	Owner string          `json:"owner"`
	Data  json.RawMessage `json:"data"`
}

// ObjectTypeGrant marks permission-grant objects.
const ObjectTypeGrant = "permission_grant"

// Event types emitted by the access contract.
const (
	EventGrantCreated = "grant.created"
	EventGrantRevoked = "grant.revoked"
)

// Event is an on-ledger event record.
type Event struct {
	Type      string    `json:"type"`
	ObjectID  string    `json:"object_id"`
	Owner     string    `json:"owner"`
	App       string    `json:"app,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFilter selects events by type and/or owner; zero values match
// everything.
type EventFilter struct {
	Type  string `json:"type,omitempty"`
	Owner string `json:"owner,omitempty"`
}

// Grant is the on-chain permission record. It is created by the data
// owner and mutable only through revocation; consumers must treat a
// revoked or expired grant as absent even before it is pruned.
type Grant struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	App         string    `json:"app"`
	DataIDs     []string  `json:"data_ids"`
	ExpiresAtMs int64     `json:"expires_at_ms,omitempty"`
	Revoked     bool      `json:"revoked"`
	CreatedAt   time.Time `json:"created_at"`
}

// LiveAt reports whether the grant authorizes anything at the given
// instant. The expiry boundary is inclusive: a grant expiring exactly
// now is already dead.
func (g Grant) LiveAt(now time.Time) bool {
	if g.Revoked {
		return false
	}
	if g.ExpiresAtMs != 0 && now.UnixMilli() >= g.ExpiresAtMs {
		return false
	}
	return true
}

// Covers reports whether the grant includes the given data item.
func (g Grant) Covers(dataID string) bool {
	for _, id := range g.DataIDs {
		if id == dataID {
			return true
		}
	}
	return false
}
