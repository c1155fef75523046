// Package index implements secondary indexes over a Database: a
// user-supplied deterministic map function projects each document into
// zero or more (key, value) emissions, which are kept in their own prolly
// tree ordered for range queries, kept current by replaying only the
// documents that changed since the index was last updated.
package index

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	fireproof "github.com/fireproof-storage/fireproof-go"
	"github.com/fireproof-storage/fireproof-go/blockstore"
	"github.com/fireproof-storage/fireproof-go/clock"
	"github.com/fireproof-storage/fireproof-go/codec"
	"github.com/fireproof-storage/fireproof-go/prollytree"
)

// Document is the value a MapFunc receives: the key it was stored under,
// paired with the raw bytes the database holds for it.
type Document struct {
	ID    string
	Value []byte
}

// EmitFunc is passed to a MapFunc so it can produce zero or more
// (key, value) entries per document. key orders the index; value is
// opaque to the engine.
type EmitFunc func(key, value []byte)

// MapFunc projects a document into index entries via emit. It must be a
// deterministic, side-effect-free function of doc — the engine may call
// it any number of times as documents change.
type MapFunc func(doc Document, emit EmitFunc) error

// Row is one entry returned by Query: the emitted key, the document it
// came from, and the emitted value.
type Row struct {
	ID    string
	Key   []byte
	Value []byte
}

// IndexBuildError reports that MapFunc returned an error while updating
// the index. The index's state is left exactly as it was before the
// update attempt.
type IndexBuildError struct {
	Err error
}

func (e *IndexBuildError) Error() string { return fmt.Sprintf("index: build: %v", e.Err) }
func (e *IndexBuildError) Unwrap() error { return e.Err }

// Index is a secondary index over a Database's documents.
type Index struct {
	db           *fireproof.Database
	mapFn        MapFunc
	blocks       blockstore.Blockstore
	cache        prollytree.NodeCache
	branchFactor uint
	log          *logrus.Logger

	indexRoot *prollytree.Tree
	byIdRoot  *prollytree.Tree
	dbHead    clock.Head
}

// Option configures an Index at construction time.
type Option func(*Index)

// WithBranchFactor sets the branch factor of the index's own prolly trees,
// independent of the source database's.
func WithBranchFactor(n uint) Option {
	return func(idx *Index) { idx.branchFactor = n }
}

// WithNodeCache installs a shared node cache for the index's trees.
func WithNodeCache(cache prollytree.NodeCache) Option {
	return func(idx *Index) { idx.cache = cache }
}

// WithLogger attaches a structured logger. The default is silent.
func WithLogger(l *logrus.Logger) Option {
	return func(idx *Index) { idx.log = l }
}

// New creates an index over db driven by mapFn. The index starts empty
// and is lazily built on the first Query/UpdateIndex call.
func New(db *fireproof.Database, mapFn MapFunc, opts ...Option) *Index {
	idx := &Index{
		db:           db,
		mapFn:        mapFn,
		blocks:       db.Blocks(),
		branchFactor: prollytree.DefaultBranchFactor,
		log:          discardLogger(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.indexRoot = prollytree.Create(idx.blocks, idx.cache, idx.branchFactor)
	idx.byIdRoot = prollytree.Create(idx.blocks, idx.cache, idx.branchFactor)
	return idx
}

// byIdRecord is the on-disk value of a byIdRoot entry: every key
// currently emitted for the document under that entry's docId, so that
// a later update can invalidate all of them, not just the last one.
type byIdRecord struct {
	EmittedKeys [][]byte `cbor:"1,keyasint"`
}

// UpdateIndex replays every document changed since the index's last
// update through MapFunc and brings indexRoot/byIdRoot up to date. It is
// called automatically by Query, but is exposed for callers that want to
// force a refresh (e.g. before a historical-root query).
func (idx *Index) UpdateIndex(ctx context.Context) error {
	changes, err := idx.db.ChangesSince(ctx, idx.dbHead)
	if err != nil {
		return fmt.Errorf("index: changesSince: %w", err)
	}
	if len(changes.Rows) == 0 {
		idx.dbHead = changes.Head
		return nil
	}

	changedIDs := make([][]byte, len(changes.Rows))
	for i, c := range changes.Rows {
		changedIDs[i] = []byte(c.Key)
	}

	var invalidations []prollytree.Mutation
	if len(idx.dbHead) > 0 {
		prior, err := idx.byIdRoot.GetMany(ctx, changedIDs)
		if err != nil {
			return fmt.Errorf("index: lookup prior emissions: %w", err)
		}
		for _, p := range prior {
			var rec byIdRecord
			if err := codec.Unmarshal(p.Value, &rec); err != nil {
				return fmt.Errorf("index: decode prior emission for %q: %w", p.Key, err)
			}
			for _, k := range rec.EmittedKeys {
				ck := compositeKey(k, p.Key)
				// A byId entry left behind by a deletion can name emissions
				// already gone from the forward index; those need no delete.
				if _, found, err := idx.indexRoot.Get(ctx, ck); err != nil {
					return fmt.Errorf("index: lookup prior emission for %q: %w", p.Key, err)
				} else if !found {
					continue
				}
				invalidations = append(invalidations, prollytree.Mutation{
					Key:    ck,
					Delete: true,
				})
			}
		}
	}

	var forward []prollytree.Mutation
	var byId []prollytree.Mutation
	for _, c := range changes.Rows {
		if c.Del {
			continue
		}
		doc := Document{ID: c.Key, Value: c.Value}
		docID := []byte(c.Key)
		var emitted [][]byte
		var buildErr error
		func() {
			defer func() {
				if r := recover(); r != nil {
					buildErr = fmt.Errorf("panic: %v", r)
				}
			}()
			buildErr = idx.mapFn(doc, func(key, value []byte) {
				forward = append(forward, prollytree.Mutation{
					Key:   compositeKey(key, docID),
					Value: value,
				})
				emitted = append(emitted, key)
			})
		}()
		if buildErr != nil {
			return &IndexBuildError{Err: buildErr}
		}
		if len(emitted) > 0 {
			encoded, err := codec.Marshal(byIdRecord{EmittedKeys: emitted})
			if err != nil {
				return &IndexBuildError{Err: err}
			}
			byId = append(byId, prollytree.Mutation{Key: docID, Value: encoded})
		}
	}

	newIndexRoot, adds1, err := idx.indexRoot.Bulk(ctx, append(invalidations, forward...))
	if err != nil {
		return fmt.Errorf("index: apply forward batch: %w", err)
	}
	newByIdRoot, adds2, err := idx.byIdRoot.Bulk(ctx, byId)
	if err != nil {
		return fmt.Errorf("index: apply byId batch: %w", err)
	}
	if err := idx.persist(ctx, adds1); err != nil {
		return err
	}
	if err := idx.persist(ctx, adds2); err != nil {
		return err
	}

	idx.indexRoot = newIndexRoot
	idx.byIdRoot = newByIdRoot
	idx.dbHead = changes.Head
	idx.log.WithFields(logrus.Fields{"index": true, "changed": len(changes.Rows)}).Debug("index: updated")
	return nil
}

func (idx *Index) persist(ctx context.Context, blocks []blockstore.Block) error {
	for _, b := range blocks {
		if err := idx.blocks.Put(ctx, b); err != nil {
			return fmt.Errorf("index: persist %s: %w", b.CID, err)
		}
	}
	return nil
}

// QueryOption configures a Query call.
type QueryOption func(*queryOptions)

type queryOptions struct {
	skipUpdate bool
}

// SkipUpdate queries the index's current state without first replaying
// any pending document changes, for callers intentionally inspecting a
// historical snapshot.
func SkipUpdate() QueryOption {
	return func(o *queryOptions) { o.skipUpdate = true }
}

// Query returns every row whose emitted key is in [lo, hi] (both
// inclusive), ordered by key then document id. The index is brought
// up to date first unless SkipUpdate is given.
func (idx *Index) Query(ctx context.Context, lo, hi []byte, opts ...QueryOption) ([]Row, error) {
	var qo queryOptions
	for _, opt := range opts {
		opt(&qo)
	}
	if !qo.skipUpdate {
		if err := idx.UpdateIndex(ctx); err != nil {
			return nil, err
		}
	}

	loBound := compositeKey(lo, nil)
	hiBound := append(escapeKey(hi), 0x01)
	entries, err := idx.indexRoot.Range(ctx, loBound, hiBound)
	if err != nil {
		return nil, fmt.Errorf("index: query: %w", err)
	}
	rows := make([]Row, len(entries))
	for i, e := range entries {
		key, docID := splitCompositeKey(e.Key)
		rows[i] = Row{ID: string(docID), Key: key, Value: e.Value}
	}
	return rows, nil
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
