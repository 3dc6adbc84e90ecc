// Package shard implements one replica of a shard: the role state machine
// that decides whether a request is executed, forwarded to the leader,
// stashed or rejected, and the leader's three-phase commit pipeline.
//
// A Shard is an actor. Requests, replication notifications and the results
// of asynchronous commit phases are all messages handled one at a time, so
// no shard state needs locking. The replication layer drives the role
// through RoleChanged and LeaderChanged and reports replicated payloads
// through LogEntryCommitted.
//
//	s := shard.New(shard.Options{Identity: shard.NewShardIdentity("member-1", "default")})
//	_ = s.Start(ctx)
//	_ = s.Tell(ctx, shard.RoleChanged{Role: shard.Leader})
package shard
