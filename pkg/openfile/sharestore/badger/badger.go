// Package badger provides a BadgerDB-backed ShareStore, so a ShareModeSet
// survives a fenwickd restart and can be shared by multiple processes
// pointed at the same on-disk database. One key prefix, gob-encoded
// values (ShareEntry has no wire-facing consumers that would need a
// human-readable encoding), and a retry loop around badger's
// optimistic-conflict model: concurrent Mutate calls for the same FileId
// from different processes are exactly what this backend exists to
// serialize correctly.
package badger

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/fenwickfs/fenwick/pkg/openfile"
)

const keyPrefix = "share:"

// Store implements openfile.ShareStore on top of a BadgerDB instance.
type Store struct {
	db *badgerdb.DB
}

// Open opens (or creates) a BadgerDB database at dir and returns a Store
// backed by it.
func Open(dir string) (*Store, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger share store: %w", err)
	}
	return &Store{db: db}, nil
}

func shareKey(id openfile.FileId) []byte {
	return append([]byte(keyPrefix), id.Bytes()...)
}

func encodeSet(set *openfile.ShareModeSet) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(set); err != nil {
		return nil, fmt.Errorf("encode share mode set: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSet(data []byte) (*openfile.ShareModeSet, error) {
	var set openfile.ShareModeSet
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode share mode set: %w", err)
	}
	return &set, nil
}

// Mutate implements openfile.ShareStore. Badger detects write-write
// conflicts between concurrent transactions optimistically rather than
// blocking; a conflicting Update is retried until it commits cleanly,
// which gives Mutate's "serialize concurrent calls for the same FileId"
// contract without a separate lock manager.
func (s *Store) Mutate(ctx context.Context, id openfile.FileId, fn func(set *openfile.ShareModeSet) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := shareKey(id)

	for {
		err := s.db.Update(func(txn *badgerdb.Txn) error {
			set := openfile.NewShareModeSet(id)

			item, err := txn.Get(key)
			switch {
			case err == nil:
				if err := item.Value(func(val []byte) error {
					decoded, err := decodeSet(val)
					if err != nil {
						return err
					}
					set = decoded
					return nil
				}); err != nil {
					return err
				}
			case err == badgerdb.ErrKeyNotFound:
				// set stays the freshly created empty one.
			default:
				return err
			}

			if err := fn(set); err != nil {
				return err
			}

			if set.IsEmpty() {
				if err := txn.Delete(key); err != nil && err != badgerdb.ErrKeyNotFound {
					return err
				}
				return nil
			}

			data, err := encodeSet(set)
			if err != nil {
				return err
			}
			return txn.Set(key, data)
		})

		if err == badgerdb.ErrConflict {
			continue
		}
		return err
	}
}

// Peek implements openfile.ShareStore.
func (s *Store) Peek(ctx context.Context, id openfile.FileId) (*openfile.ShareModeSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var set *openfile.ShareModeSet
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(shareKey(id))
		if err == badgerdb.ErrKeyNotFound {
			return openfile.ErrShareSetNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeSet(val)
			if err != nil {
				return err
			}
			set = decoded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// Close implements openfile.ShareStore.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ openfile.ShareStore = (*Store)(nil)
