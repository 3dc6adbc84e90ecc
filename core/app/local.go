package app

import (
	"context"
	"errors"

	"github.com/codewandler/shardtx/core/shard"
)

// LocalReplication commits in process. Every replica is its own single
// member group and leads as soon as its log starts.
func LocalReplication() Replication {
	return func(_ context.Context, _ shard.ShardIdentity, _ []string) (Log, error) {
		return &localLog{LocalReplicator: shard.NewLocalReplicator(nil, nil)}, nil
	}
}

type localLog struct {
	*shard.LocalReplicator
}

func (l *localLog) Journal() shard.Journal { return nil }

func (l *localLog) Start(ctx context.Context, target shard.Ref) error {
	l.SetTarget(target)
	return SelfElect(ctx, target)
}

// SelfElect makes target the leader of a group it is the only member of.
func SelfElect(ctx context.Context, target shard.Ref) error {
	return errors.Join(
		target.Tell(ctx, shard.LeaderChanged{Leader: target.Identity().Member}),
		target.Tell(ctx, shard.RoleChanged{Role: shard.Leader}),
	)
}
