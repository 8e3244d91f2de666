package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"memvault.org/internal/seal"
)

const keyPrefix = "obj:"

// Badger stores encrypted objects in an embedded badger database.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the store at dir. An empty dir opens
// an in-memory database, used by tests.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("blob: open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

// Close releases the database.
func (b *Badger) Close() error { return b.db.Close() }

func (b *Badger) Put(ctx context.Context, id string, obj *seal.EncryptedObject) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("blob: encode object: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+id), data)
	})
	if err != nil {
		return fmt.Errorf("blob: put %s: %w", id, err)
	}
	return nil
}

func (b *Badger) Get(ctx context.Context, id string) (*seal.EncryptedObject, error) {
	var obj seal.EncryptedObject
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &obj)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: get %s: %w", id, err)
	}
	return &obj, nil
}

func (b *Badger) Delete(ctx context.Context, id string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + id))
	})
	if err != nil {
		return fmt.Errorf("blob: delete %s: %w", id, err)
	}
	return nil
}

var _ Store = (*Badger)(nil)
