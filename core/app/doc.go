// Package app assembles a shardtx member: a cluster [cluster.Node], one
// [shard.Shard] replica per shard placed on the member together with its
// replicated log, and a [txn.Client] routing transactions to shard leaders.
//
// # Basic Usage
//
//	a, err := app.Run(app.Config{
//	    Member:    "m1",
//	    Members:   []string{"m1", "m2", "m3"},
//	    Shards:    []string{"users", "orders"},
//	    Replicas:  3,
//	    Transport: natsTransport,
//	    Replication: raftReplication,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer a.Stop()
//
//	tx, _ := a.Client().NewTransaction(ctx)
//	_ = tx.Write(ctx, datatree.MustPath("/users/42"), data)
//	err = tx.Submit(ctx)
//
// # Replication
//
// Each replica is fed by a [Log]. [LocalReplication], the default, commits
// in process and elects every replica immediately, which suits a single
// member. Multi-member deployments plug in a consensus log that reports
// roles and leaders to the replica as they change.
//
// Placement is rendezvous hashing over the member list, so all members must
// be configured with the same Members, Shards, Replicas and Seed.
package app
