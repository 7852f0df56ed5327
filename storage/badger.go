package storage

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// badgerStore is a Store backed by an embedded badger database, for
// datasets that do not fit in memory.
type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (creating if needed) a badger-backed Store in the
// given directory.
func NewBadgerStore(dir string) (Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening blob store at %q", dir)
	}
	return &badgerStore{db: db}, nil
}

// NewInMemoryBadgerStore opens a badger-backed Store with no disk
// persistence, useful for tests exercising the badger path.
func NewInMemoryBadgerStore() (Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening in-memory blob store")
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			existing, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			return checkConflict(key, existing, data)
		case errors.Is(err, badger.ErrKeyNotFound):
			return txn.Set([]byte(key), data)
		default:
			return err
		}
	})
	if err != nil && !errors.Is(err, ErrKeyConflict) {
		return errors.Wrapf(err, "writing blob %q", key)
	}
	return err
}

func (s *badgerStore) Replace(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	return errors.Wrapf(err, "replacing blob %q", key)
}

func (s *badgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "key %q", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading blob %q", key)
	}
	return out, nil
}

func (s *badgerStore) Has(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "checking blob %q", key)
	}
	return true, nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
