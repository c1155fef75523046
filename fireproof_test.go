package fireproof

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fireproof-storage/fireproof-go/blockstore"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(context.Background(), blockstore.NewMemory())
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestPutAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	_, err := db.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)

	v, err := db.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelRemovesKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)

	_, err = db.Del(ctx, "a")
	require.NoError(t, err)

	_, err = db.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelOfAbsentKeyIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.Del(ctx, "never-put")
	require.NoError(t, err)
}

func TestGetAllReturnsEverythingOrdered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	for _, k := range []string{"c", "a", "b"} {
		_, err := db.Put(ctx, k, []byte(k))
		require.NoError(t, err)
	}
	rows, err := db.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "a", rows[0].Key)
	require.Equal(t, "b", rows[1].Key)
	require.Equal(t, "c", rows[2].Key)
}

func TestChangesSinceEmptyHeadReturnsFullState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)

	res, err := db.ChangesSince(ctx, nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "a", res.Rows[0].Key)
}

func TestChangesSinceReturnsOnlyNewerState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)
	checkpoint := db.Head()

	_, err = db.Put(ctx, "b", []byte("2"))
	require.NoError(t, err)

	res, err := db.ChangesSince(ctx, checkpoint)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "b", res.Rows[0].Key)
}

func TestChangesSinceReportsDeletions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)
	checkpoint := db.Head()

	_, err = db.Del(ctx, "a")
	require.NoError(t, err)

	res, err := db.ChangesSince(ctx, checkpoint)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.True(t, res.Rows[0].Del)
}

func TestAdvanceMergesConcurrentWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	blocks := blockstore.NewMemory()
	a, err := Open(ctx, blocks)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(ctx, blocks)
	require.NoError(t, err)
	defer b.Close()

	putA, err := a.Put(ctx, "a", []byte("from-a"))
	require.NoError(t, err)
	putB, err := b.Put(ctx, "b", []byte("from-b"))
	require.NoError(t, err)

	_, err = a.Advance(ctx, putB.Event.CID)
	require.NoError(t, err)
	_, err = b.Advance(ctx, putA.Event.CID)
	require.NoError(t, err)

	va, err := a.Get(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, []byte("from-b"), va)

	vb, err := b.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("from-a"), vb)
}

func TestAdvanceIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	blocks := blockstore.NewMemory()
	a, err := Open(ctx, blocks)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(ctx, blocks)
	require.NoError(t, err)
	defer b.Close()

	put, err := b.Put(ctx, "x", []byte("1"))
	require.NoError(t, err)

	head1, err := a.Advance(ctx, put.Event.CID)
	require.NoError(t, err)
	head2, err := a.Advance(ctx, put.Event.CID)
	require.NoError(t, err)
	require.Equal(t, head1, head2)
}

func TestAdvanceMergesConcurrentDeleteOfKeyNeverSeenLocally(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	blocks := blockstore.NewMemory()
	a, err := Open(ctx, blocks)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(ctx, blocks)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Put(ctx, "x", []byte("1"))
	require.NoError(t, err)
	delResult, err := b.Del(ctx, "x")
	require.NoError(t, err)

	_, err = a.Advance(ctx, delResult.Event.CID)
	require.NoError(t, err)

	_, err = a.Get(ctx, "x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetClockRebuildsMaterializedState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)
	_, err = db.Put(ctx, "b", []byte("2"))
	require.NoError(t, err)
	_, err = db.Del(ctx, "a")
	require.NoError(t, err)

	other, err := Open(ctx, db.Blocks())
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.SetClock(ctx, db.Head()))

	_, err = other.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
	v, err := other.Get(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
	require.Equal(t, db.Head(), other.Head())
}

func TestHandleRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)

	h := db.Handle()
	head, err := HeadFromHandle(h)
	require.NoError(t, err)
	require.Equal(t, db.Head(), head)
}

func TestSubscribeFiresOnPut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, err := Open(ctx, blockstore.NewMemory(), WithDebounceInterval(0))
	require.NoError(t, err)
	defer db.Close()

	fired := make(chan PutResult, 1)
	unsubscribe := db.Subscribe("test", func(r PutResult) {
		fired <- r
	})
	defer unsubscribe()

	_, err = db.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)

	select {
	case r := <-fired:
		require.Equal(t, "a", r.Event.Data.Key)
	case <-time.After(time.Second):
		t.Fatal("subscription did not fire")
	}
}
