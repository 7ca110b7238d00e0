package state

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/net/context"
)

// keyPrefix is prepended to nexus names to form keys
const keyPrefix = "share:"

// Badger is a Store kept in a BadgerDB directory
type Badger struct {
	db *badger.DB
}

// NewBadger opens or creates the database in dir
func NewBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", dir, err)
	}
	return &Badger{db: db}, nil
}

func key(nexus string) []byte {
	return []byte(keyPrefix + nexus)
}

// Put implements Store.Put
func (b *Badger) Put(ctx context.Context, r Record) error {
	v, err := encode(r)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(r.Nexus), v)
	})
}

// Delete implements Store.Delete
func (b *Badger) Delete(ctx context.Context, nexus string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(nexus))
	})
}

// List implements Store.List. Keys sort by nexus name.
func (b *Badger) List(ctx context.Context) ([]Record, error) {
	var records []Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				r, err := decode(val)
				if err != nil {
					return err
				}
				records = append(records, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close implements Store.Close
func (b *Badger) Close() error {
	return b.db.Close()
}
