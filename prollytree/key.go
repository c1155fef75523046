package prollytree

import (
	"bytes"
	"hash/crc64"
)

var crcTable = crc64.MakeTable(crc64.ECMA)

// compareKeys is the byte-lexicographic comparator fixed for every tree in
// the database, per the component design.
func compareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// keyLayer deterministically computes a key's distance from the leaves:
// the number of times branchFactor divides the key's crc64 checksum. This
// is the content-defined chunk boundary that makes the tree's shape
// depend only on its key set, not on insertion order, ported from the
// teacher library's key.go.
func keyLayer(key []byte, branchFactor uint) uint8 {
	v := crc64.Checksum(key, crcTable)
	layer := uint8(0)
	for ; v != 0 && v%uint64(branchFactor) == 0; layer++ {
		v /= uint64(branchFactor)
	}
	return layer
}

func uint8min(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}
