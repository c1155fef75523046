package blockstore

import (
	"context"
	"errors"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/fireproof-storage/fireproof-go/cid"
)

// badgerStore is the default durable local backend: an embedded LSM-tree
// key-value engine keyed by raw CID bytes, grounded on the block-addressed
// WAL/blockstore patterns common to embedded Go document stores.
type badgerStore struct {
	db  *badger.DB
	log *logrus.Logger
}

// BadgerOption configures a badger-backed Blockstore.
type BadgerOption func(*badgerStore)

// WithBadgerLogger attaches a structured logger to a badger Blockstore.
// This is independent of badger's own internal logger, which OpenBadger
// always disables.
func WithBadgerLogger(l *logrus.Logger) BadgerOption {
	return func(s *badgerStore) { s.log = l }
}

// OpenBadger opens (creating if necessary) a badger-backed Blockstore
// rooted at dir.
func OpenBadger(dir string, opts ...BadgerOption) (Blockstore, error) {
	bopts := badger.DefaultOptions(dir)
	bopts.Logger = nil
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, &StoreIOError{Op: "open", Err: err}
	}
	s := &badgerStore{db: db, log: discardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying badger database.
func (s *badgerStore) Close() error {
	return s.db.Close()
}

func (s *badgerStore) Get(ctx context.Context, c cid.CID) (Block, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.Bytes())
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Block{}, ErrNotFound
	}
	if err != nil {
		return Block{}, &StoreIOError{Op: "get", Err: err}
	}
	return Block{CID: c, Bytes: data}, nil
}

func (s *badgerStore) Put(ctx context.Context, b Block) error {
	has, err := s.Has(ctx, b.CID)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	if err := cid.Verify(b.CID, cid.CodecOf(b.CID), b.Bytes); err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.CID.Bytes(), b.Bytes)
	})
	if err != nil {
		return &StoreIOError{Op: "put", Err: err}
	}
	s.log.WithField("cid", b.CID.String()).Debug("blockstore: put")
	return nil
}

func (s *badgerStore) Has(ctx context.Context, c cid.CID) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(c.Bytes())
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, &StoreIOError{Op: "has", Err: err}
	}
	return true, nil
}

func (s *badgerStore) Entries(ctx context.Context, f func(Block) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			c, err := cid.CastFromBytes(item.KeyCopy(nil))
			if err != nil {
				return err
			}
			var data []byte
			err = item.Value(func(val []byte) error {
				data = append([]byte{}, val...)
				return nil
			})
			if err != nil {
				return err
			}
			if err := f(Block{CID: c, Bytes: data}); err != nil {
				return err
			}
		}
		return nil
	})
}
