package blockstore

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fireproof-storage/fireproof-go/cid"
)

// memoryStore is a Blockstore over a map guarded by a sync.RWMutex, used by in-memory databases
// and as the default store in tests. Adapted from the teacher's
// inMemoryStore, generalized from string names to CIDs.
type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]Block
	log     *logrus.Logger
}

// MemoryOption configures a memory-backed Blockstore.
type MemoryOption func(*memoryStore)

// WithMemoryLogger attaches a structured logger to a memory Blockstore.
func WithMemoryLogger(l *logrus.Logger) MemoryOption {
	return func(s *memoryStore) { s.log = l }
}

// NewMemory returns a Blockstore that keeps every block in process memory.
func NewMemory(opts ...MemoryOption) Blockstore {
	s := &memoryStore{entries: map[string]Block{}, log: discardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *memoryStore) Get(ctx context.Context, c cid.CID) (Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.entries[c.KeyString()]
	if !ok {
		return Block{}, ErrNotFound
	}
	return b, nil
}

func (s *memoryStore) Put(ctx context.Context, b Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = map[string]Block{}
	}
	if _, exists := s.entries[b.CID.KeyString()]; !exists {
		if err := cid.Verify(b.CID, cid.CodecOf(b.CID), b.Bytes); err != nil {
			return err
		}
	}
	s.entries[b.CID.KeyString()] = b
	s.log.WithField("cid", b.CID.String()).Debug("blockstore: put")
	return nil
}

func (s *memoryStore) Has(ctx context.Context, c cid.CID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[c.KeyString()]
	return ok, nil
}

func (s *memoryStore) Entries(ctx context.Context, f func(Block) error) error {
	s.mu.RLock()
	blocks := make([]Block, 0, len(s.entries))
	for _, b := range s.entries {
		blocks = append(blocks, b)
	}
	s.mu.RUnlock()
	for _, b := range blocks {
		if err := f(b); err != nil {
			return err
		}
	}
	return nil
}
