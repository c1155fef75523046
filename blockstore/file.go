package blockstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/fireproof-storage/fireproof-go/cid"
)

// fileStore persists one file per CID under a base directory, adapted from
// the teacher's persist/file backend.
type fileStore struct {
	basepath string
	log      *logrus.Logger
}

// FileOption configures a file-backed Blockstore.
type FileOption func(*fileStore)

// WithFileLogger attaches a structured logger to a file Blockstore.
func WithFileLogger(l *logrus.Logger) FileOption {
	return func(s *fileStore) { s.log = l }
}

// NewFile returns a Blockstore that stores each block as a file named by
// its CID under basepath. The directory must already exist.
func NewFile(basepath string, opts ...FileOption) Blockstore {
	s := &fileStore{basepath: basepath, log: discardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *fileStore) path(c cid.CID) string {
	return filepath.Join(s.basepath, c.String())
}

func (s *fileStore) Get(ctx context.Context, c cid.CID) (Block, error) {
	data, err := os.ReadFile(s.path(c))
	if err != nil {
		if os.IsNotExist(err) {
			return Block{}, ErrNotFound
		}
		return Block{}, &StoreIOError{Op: "read", Err: err}
	}
	return Block{CID: c, Bytes: data}, nil
}

func (s *fileStore) Put(ctx context.Context, b Block) error {
	path := s.path(b.CID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := cid.Verify(b.CID, cid.CodecOf(b.CID), b.Bytes); err != nil {
		return err
	}
	if err := os.WriteFile(path, b.Bytes, 0o644); err != nil {
		return &StoreIOError{Op: "write", Err: err}
	}
	s.log.WithField("cid", b.CID.String()).Debug("blockstore: put")
	return nil
}

func (s *fileStore) Has(ctx context.Context, c cid.CID) (bool, error) {
	_, err := os.Stat(s.path(c))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, &StoreIOError{Op: "stat", Err: err}
}

func (s *fileStore) Entries(ctx context.Context, f func(Block) error) error {
	entries, err := os.ReadDir(s.basepath)
	if err != nil {
		return &StoreIOError{Op: "readdir", Err: err}
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		c, err := cid.Parse(e.Name())
		if err != nil {
			continue
		}
		b, err := s.Get(ctx, c)
		if err != nil {
			return err
		}
		if err := f(b); err != nil {
			return err
		}
	}
	return nil
}
