// Package blob persists encrypted objects keyed by data id. Stores
// only ever see ciphertext; an object's plaintext never reaches this
// layer.
package blob

import (
	"context"
	"errors"

	"memvault.org/internal/seal"
)

var ErrNotFound = errors.New("blob: object not found")

// Store is the persistence surface for encrypted objects.
type Store interface {
	Put(ctx context.Context, id string, obj *seal.EncryptedObject) error
	Get(ctx context.Context, id string) (*seal.EncryptedObject, error)
	Delete(ctx context.Context, id string) error
}
