// Package cluster connects shard replicas running on different members.
//
// A [Node] serves every replica hosted on its member under the replica's
// endpoint and hands out [RemoteRef] values for replicas elsewhere, so a
// shard or a client talks to a remote replica through the same shard.Ref
// it uses for a local one.
//
// # Replies
//
// Shard requests carry an in-process Replier. When a request leaves the
// member, the node parks the Replier under a correlation ID and the
// envelope carries a [Route] naming the node's inbox. The receiving node
// wraps the route in a Replier of its own, and the shard's reply travels
// back to the inbox. A follower forwarding such a request passes the
// route on, so the leader answers the original sender directly.
//
// Envelopes to one endpoint are delivered in the order they were sent.
// A delivery failure answers the waiting Replier with a retriable
// shard.NotLeaderError, which makes clients re-resolve the leader.
//
// # Placement
//
// [Placement] assigns shard replicas to members by rendezvous hashing:
//
//	p := cluster.NewPlacement([]string{"m1", "m2", "m3"}, 3, "prod")
//	node, err := cluster.NewNode(cluster.NodeOptions{
//	    Member:    "m1",
//	    Placement: p,
//	    Transport: natsTransport,
//	})
//	_ = node.Start(ctx)
//	for _, name := range p.ShardsOf("m1", shards) {
//	    s := shard.New(shard.Options{Identity: shard.NewShardIdentity("m1", name), Peers: node.Peers(name)})
//	    _ = node.Host(ctx, s)
//	}
//
// # Transport
//
// [Transport] delivers envelopes to endpoints. [MemoryTransport] serves a
// single process; the adapters/nats package provides one over NATS.
package cluster
