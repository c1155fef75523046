package prollytree

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/fireproof-storage/fireproof-go/cid"
)

// NodeCache caches deserialized nodes, and also remembers which CIDs have
// already been persisted so equal batches applied to equal trees don't
// re-store (or re-report as additions) identical blocks. One cache may be shared by any
// number of trees, ported unchanged in shape from the teacher library.
type NodeCache interface {
	Add(c cid.CID, n interface{})
	Contains(c cid.CID) bool
	Get(c cid.CID) (interface{}, bool)
}

type arcCache struct {
	arc *lru.ARCCache
}

// NewNodeCache creates an LRU-based NodeCache of the given size.
func NewNodeCache(size int) NodeCache {
	arc, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}
	return &arcCache{arc: arc}
}

func (c *arcCache) Add(id cid.CID, n interface{}) { c.arc.Add(id.KeyString(), n) }
func (c *arcCache) Contains(id cid.CID) bool      { return c.arc.Contains(id.KeyString()) }
func (c *arcCache) Get(id cid.CID) (interface{}, bool) {
	return c.arc.Get(id.KeyString())
}
