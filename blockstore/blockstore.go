// Package blockstore provides the content-addressed byte-blob store that
// backs both the clock's event log and the prolly tree's nodes. It mirrors
// the Persist contract from the Merkle Search Tree this database's prolly
// tree is built on, generalized to CIDs and context-aware I/O.
package blockstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/fireproof-storage/fireproof-go/cid"
)

// ErrNotFound is returned by Get when no block exists for the given CID.
var ErrNotFound = errors.New("blockstore: not found")

// Block is an immutable (CID, bytes) pair. The CID is always the hash of
// Bytes under the codec it was stored with.
type Block struct {
	CID   cid.CID
	Bytes []byte
}

// Blockstore is the storage contract the engine consumes. Implementations
// must be safe for concurrent reads; the CRDT engine serializes writes to
// a single logical replica itself (see the database package), but distinct
// replicas may write to a shared store concurrently since writes are
// idempotent and keyed by content hash.
type Blockstore interface {
	// Get retrieves a block by CID, or returns ErrNotFound.
	Get(ctx context.Context, c cid.CID) (Block, error)
	// Put stores a block, idempotently. Implementations should verify the
	// CID against the bytes only on first insert.
	Put(ctx context.Context, b Block) error
	// Has reports whether a block for the given CID is already stored.
	Has(ctx context.Context, c cid.CID) (bool, error)
	// Entries iterates over every stored block, for testing and sync.
	Entries(ctx context.Context, f func(Block) error) error
}

// StoreIOError wraps a failure from the underlying storage medium (disk,
// object storage, embedded KV engine) as distinct from a not-found result.
type StoreIOError struct {
	Op  string
	Err error
}

func (e *StoreIOError) Error() string {
	return fmt.Sprintf("blockstore: %s: %v", e.Op, e.Err)
}

func (e *StoreIOError) Unwrap() error { return e.Err }

// DecodeError reports that a block's bytes did not decode under the
// codec its CID declares. This indicates corruption or a codec mismatch
// between replicas, never a missing block.
type DecodeError struct {
	CID cid.CID
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("blockstore: decode %s: %v", e.CID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PutCodec computes data's CID under codec and stores it immediately,
// returning the CID it was stored under. The clock's event log uses this
// directly, since every event is persisted the instant it is created. The
// prolly tree does not: it batches a whole Bulk call's worth of new nodes
// into one additions slice so the caller can persist (and report) them
// together, so it computes CIDs with cid.Of and leaves the Put to the
// caller instead.
func PutCodec(ctx context.Context, bs Blockstore, codec cid.Codec, data []byte) (cid.CID, error) {
	c, err := cid.Of(codec, data)
	if err != nil {
		return cid.Undef, err
	}
	if err := bs.Put(ctx, Block{CID: c, Bytes: data}); err != nil {
		return cid.Undef, err
	}
	return c, nil
}
