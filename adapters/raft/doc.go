// Package raft replicates a shard through a hashicorp/raft group with one
// raft voter per shard replica.
//
// A Replica is the shard's Replicator: payloads are applied to the raft log
// and every replica's FSM hands committed entries to its shard as
// LogEntryCommitted. The replica also watches the raft state and reports
// it to the shard as RoleChanged and LeaderChanged: a new raft leader is
// reported as PreLeader until a barrier confirms every earlier entry was
// handed over, then as Leader. A leader that lost heartbeats to a quorum
// is reported as IsolatedLeader until they resume or raft steps down.
//
// Raft snapshots are the shard's own recovery image (TakeSnapshot), and a
// follower receiving one installs it through InstallSnapshot. Journal reads
// the same stores while the shard is Starting.
package raft
