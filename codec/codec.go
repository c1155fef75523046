// Package codec is the deterministic tagged-binary encoding used for every
// block the database ever hashes: clock events and prolly-tree nodes.
// Records are framed as canonical CBOR (github.com/fxamacker/cbor/v2, with
// sorted map keys and minimal-length integers) so that two replicas that
// build the same logical record always produce identical bytes, and
// therefore identical CIDs.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building canonical encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building decode mode: %v", err))
	}
}

// Marshal encodes v as canonical CBOR.
func Marshal(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes canonical CBOR into v.
func Unmarshal(data []byte, v interface{}) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}

// AppendLengthPrefixed appends a varint length prefix followed by body to
// buf, the framing the teacher's Merkle Search Tree codec uses for the
// slices of key/value bytes nested inside a node. Kept so the prolly
// tree's internal key/value vectors stay self-delimiting independent of
// the outer CBOR envelope.
func AppendLengthPrefixed(buf []byte, body []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(body)))
	buf = append(buf, tmp[:n]...)
	return append(buf, body...)
}

// TakeLengthPrefixed reads one varint-length-prefixed body from the front
// of buf, returning the body and the remaining bytes.
func TakeLengthPrefixed(buf []byte) (body, rest []byte, err error) {
	n, size := binary.Uvarint(buf)
	if size <= 0 {
		return nil, nil, fmt.Errorf("codec: bad length prefix")
	}
	buf = buf[size:]
	if uint64(len(buf)) < n {
		return nil, nil, fmt.Errorf("codec: truncated body: want %d have %d", n, len(buf))
	}
	return buf[:n], buf[n:], nil
}
