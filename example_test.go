package fireproof_test

import (
	"context"
	"fmt"

	fireproof "github.com/fireproof-storage/fireproof-go"
	"github.com/fireproof-storage/fireproof-go/blockstore"
)

func ExampleDatabase_Put() {
	ctx := context.Background()
	db, err := fireproof.Open(ctx, blockstore.NewMemory())
	if err != nil {
		panic(err)
	}
	defer db.Close()

	db.Put(ctx, "todo/1", []byte("buy milk"))
	v, err := db.Get(ctx, "todo/1")
	if err != nil {
		panic(err)
	}
	fmt.Println(string(v))
	// Output:
	// buy milk
}

func ExampleDatabase_ChangesSince() {
	ctx := context.Background()
	db, err := fireproof.Open(ctx, blockstore.NewMemory())
	if err != nil {
		panic(err)
	}
	defer db.Close()

	db.Put(ctx, "a", []byte("1"))
	checkpoint := db.Head()
	db.Put(ctx, "b", []byte("2"))

	res, err := db.ChangesSince(ctx, checkpoint)
	if err != nil {
		panic(err)
	}
	for _, row := range res.Rows {
		fmt.Printf("%s=%s\n", row.Key, row.Value)
	}
	// Output:
	// b=2
}
