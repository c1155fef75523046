package index

// compositeKey and its helpers encode an (emittedKey, docID) pair into a
// single byte string that sorts, under plain lexicographic comparison,
// primarily by emittedKey and secondarily by docID — which is what the
// index's forward tree (keyed on byte-lexicographic order) needs.
//
// emittedKey is escaped so that a literal 0x00 byte inside it can never
// be confused with the separator: 0x00 becomes the pair 0x00 0x01, and
// the separator itself is a lone 0x00. The ordering is therefore not
// fully preserved for keys containing embedded NUL bytes: an emitted key
// such as "a" sorts after "a\x00" whenever the document id's first byte
// is above 0x01. This is a known, accepted limitation rather than a fully
// general order-preserving tuple codec.

func escapeKey(k []byte) []byte {
	out := make([]byte, 0, len(k))
	for _, b := range k {
		if b == 0x00 {
			out = append(out, 0x00, 0x01)
		} else {
			out = append(out, b)
		}
	}
	return out
}

func compositeKey(emittedKey, docID []byte) []byte {
	escaped := escapeKey(emittedKey)
	out := make([]byte, 0, len(escaped)+1+len(docID))
	out = append(out, escaped...)
	out = append(out, 0x00)
	out = append(out, docID...)
	return out
}

// splitCompositeKey reverses compositeKey, returning the original
// emittedKey and docID.
func splitCompositeKey(composite []byte) (emittedKey, docID []byte) {
	var key []byte
	i := 0
	for i < len(composite) {
		if composite[i] == 0x00 {
			if i+1 < len(composite) && composite[i+1] == 0x01 {
				key = append(key, 0x00)
				i += 2
				continue
			}
			return key, composite[i+1:]
		}
		key = append(key, composite[i])
		i++
	}
	return key, nil
}
