// Package txn is the client side of shard transactions.
//
// A [Client] opens [Transaction]s and [Chain]s. Each transaction routes its
// operations by path to the owning shards through one
// [TransactionContextWrapper] per shard. A wrapper queues operations until
// the shard's leader is resolved and then replays them in order; an
// [OperationLimiter] bounds the operations sent but not yet acknowledged,
// so a slow leader throttles its writers instead of accumulating work.
//
//	c, _ := txn.New(txn.Options{Member: "m1", Locator: txn.RegistryLocator(reg, "m1")})
//	tx, _ := c.NewTransaction(ctx)
//	_ = tx.Write(ctx, datatree.MustPath("/users/42"), []byte(`{"name":"ada"}`))
//	err := tx.Submit(ctx)
package txn
