// Package cid computes and parses the content identifiers used to address
// every block in the event log and the prolly tree. A CID is a SHA-256
// multihash tagged with a codec that says what kind of block it names.
package cid

import (
	"fmt"

	gocid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/minio/sha256-simd"
)

// Codec distinguishes the two kinds of blocks that ever get hashed into
// this database. The values are in the multicodec private-use range.
type Codec uint64

const (
	// CodecEvent tags an encoded clock event block.
	CodecEvent Codec = 0x300101
	// CodecNode tags an encoded prolly-tree node block.
	CodecNode Codec = 0x300102
)

// CID is a content identifier: a multihash plus a codec tag. Equality is
// byte equality, delegated to the underlying go-cid implementation.
type CID = gocid.Cid

// Undef is the zero CID, used as a sentinel for "no parent"/"no link".
var Undef = gocid.Undef

// Of computes the CID for bytes that will be stored tagged as codec.
func Of(codec Codec, data []byte) (CID, error) {
	h := sha256.New()
	if _, err := h.Write(data); err != nil {
		return Undef, fmt.Errorf("hash block: %w", err)
	}
	digest, err := mh.Encode(h.Sum(nil), mh.SHA2_256)
	if err != nil {
		return Undef, fmt.Errorf("encode multihash: %w", err)
	}
	return gocid.NewCidV1(uint64(codec), digest), nil
}

// Verify recomputes the CID of data and confirms it matches want.
func Verify(want CID, codec Codec, data []byte) error {
	got, err := Of(codec, data)
	if err != nil {
		return err
	}
	if !got.Equals(want) {
		return fmt.Errorf("cid mismatch: stored block hashes to %s, expected %s", got, want)
	}
	return nil
}

// CodecOf returns the codec tag encoded in c's own multicodec prefix, so a
// Blockstore can verify a block against its CID without a caller having to
// pass the codec separately.
func CodecOf(c CID) Codec {
	return Codec(c.Prefix().Codec)
}

// Parse decodes a CID from its string form, as produced by CID.String().
func Parse(s string) (CID, error) {
	c, err := gocid.Decode(s)
	if err != nil {
		return Undef, fmt.Errorf("parse cid %q: %w", s, err)
	}
	return c, nil
}

// CastFromBytes decodes a CID from its raw binary form, as produced by
// CID.Bytes().
func CastFromBytes(b []byte) (CID, error) {
	c, err := gocid.Cast(b)
	if err != nil {
		return Undef, fmt.Errorf("cast cid: %w", err)
	}
	return c, nil
}

// Less orders two CIDs by their raw bytes, used as the deterministic
// tiebreak for concurrent writes to the same key and for canonical
// ordering of a head set.
func Less(a, b CID) bool {
	ab, bb := a.Bytes(), b.Bytes()
	for i := 0; i < len(ab) && i < len(bb); i++ {
		if ab[i] != bb[i] {
			return ab[i] < bb[i]
		}
	}
	return len(ab) < len(bb)
}
