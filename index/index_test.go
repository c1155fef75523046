package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	fireproof "github.com/fireproof-storage/fireproof-go"
	"github.com/fireproof-storage/fireproof-go/blockstore"
	"github.com/fireproof-storage/fireproof-go/codec"
)

func newTestDB(t *testing.T) *fireproof.Database {
	t.Helper()
	db, err := fireproof.Open(context.Background(), blockstore.NewMemory())
	require.NoError(t, err)
	return db
}

type person struct {
	Age  int64  `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint"`
}

func putPerson(t *testing.T, db *fireproof.Database, id string, age int64, name string) {
	t.Helper()
	v, err := codec.Marshal(person{Age: age, Name: name})
	require.NoError(t, err)
	_, err = db.Put(context.Background(), id, v)
	require.NoError(t, err)
}

func ageIndex(t *testing.T) MapFunc {
	return func(doc Document, emit EmitFunc) error {
		var p person
		if err := codec.Unmarshal(doc.Value, &p); err != nil {
			return err
		}
		emit(encodeInt64(p.Age), []byte(p.Name))
		return nil
	}
}

// encodeInt64 produces a big-endian, sign-flipped encoding so that
// byte-lexicographic order matches numeric order across the signed range
// exercised by these tests.
func encodeInt64(v int64) []byte {
	u := uint64(v) ^ (1 << 63)
	return []byte{
		byte(u >> 56), byte(u >> 48), byte(u >> 40), byte(u >> 32),
		byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u),
	}
}

func TestUpdateIndexAndQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	putPerson(t, db, "alice", 30, "Alice")
	putPerson(t, db, "bob", 25, "Bob")
	putPerson(t, db, "carol", 40, "Carol")

	idx := New(db, ageIndex(t))
	rows, err := idx.Query(ctx, encodeInt64(0), encodeInt64(100))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "bob", rows[0].ID)
	require.Equal(t, "alice", rows[1].ID)
	require.Equal(t, "carol", rows[2].ID)
}

func TestUpdateIndexReflectsLaterPuts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	putPerson(t, db, "alice", 30, "Alice")

	idx := New(db, ageIndex(t))
	rows, err := idx.Query(ctx, encodeInt64(0), encodeInt64(100))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	putPerson(t, db, "bob", 25, "Bob")
	rows, err = idx.Query(ctx, encodeInt64(0), encodeInt64(100))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "bob", rows[0].ID)
	require.Equal(t, "alice", rows[1].ID)
}

func TestUpdateIndexInvalidatesOnChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	putPerson(t, db, "alice", 30, "Alice")

	idx := New(db, ageIndex(t))
	_, err := idx.Query(ctx, encodeInt64(0), encodeInt64(100))
	require.NoError(t, err)

	putPerson(t, db, "alice", 99, "Alice")
	rows, err := idx.Query(ctx, encodeInt64(0), encodeInt64(100))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, encodeInt64(99), rows[0].Key)
}

func TestUpdateIndexInvalidatesOnDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	putPerson(t, db, "alice", 30, "Alice")
	putPerson(t, db, "bob", 25, "Bob")

	idx := New(db, ageIndex(t))
	_, err := idx.Query(ctx, encodeInt64(0), encodeInt64(100))
	require.NoError(t, err)

	_, err = db.Del(ctx, "bob")
	require.NoError(t, err)

	rows, err := idx.Query(ctx, encodeInt64(0), encodeInt64(100))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "alice", rows[0].ID)
}

func TestUpdateIndexMultipleEmitsPerDocInvalidateAllOnChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	tagsFn := func(doc Document, emit EmitFunc) error {
		var tags []string
		require.NoError(t, codec.Unmarshal(doc.Value, &tags))
		for _, tag := range tags {
			emit([]byte(tag), []byte(doc.ID))
		}
		return nil
	}

	v1, err := codec.Marshal([]string{"red", "blue"})
	require.NoError(t, err)
	_, err = db.Put(ctx, "doc1", v1)
	require.NoError(t, err)

	idx := New(db, tagsFn)
	rows, err := idx.Query(ctx, []byte{0x00}, []byte{0xff})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	v2, err := codec.Marshal([]string{"green"})
	require.NoError(t, err)
	_, err = db.Put(ctx, "doc1", v2)
	require.NoError(t, err)

	rows, err = idx.Query(ctx, []byte{0x00}, []byte{0xff})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, []byte("green"), rows[0].Key)
}

func TestMapFuncErrorLeavesIndexUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	putPerson(t, db, "alice", 30, "Alice")

	idx := New(db, ageIndex(t))
	_, err := idx.Query(ctx, encodeInt64(0), encodeInt64(100))
	require.NoError(t, err)
	headBefore := idx.dbHead

	_, err = db.Put(ctx, "broken", []byte("not cbor of a person"))
	require.NoError(t, err)

	_, err = idx.Query(ctx, encodeInt64(0), encodeInt64(100))
	require.Error(t, err)
	require.ErrorAs(t, err, new(*IndexBuildError))
	require.Equal(t, headBefore, idx.dbHead)
}

func TestCompositeKeyRoundTrip(t *testing.T) {
	t.Parallel()
	key := compositeKey([]byte("a\x00b"), []byte("doc-1"))
	gotKey, gotDoc := splitCompositeKey(key)
	require.Equal(t, []byte("a\x00b"), gotKey)
	require.Equal(t, []byte("doc-1"), gotDoc)
}
