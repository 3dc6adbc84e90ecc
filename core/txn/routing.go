package txn

import (
	"context"
	"fmt"

	"github.com/codewandler/shardtx/core/datatree"
	"github.com/codewandler/shardtx/core/shard"
	"github.com/codewandler/shardtx/internal/hrw"
)

// ShardStrategy names the shard that owns a path.
type ShardStrategy func(p datatree.Path) string

// SingleShard places every path in one shard.
func SingleShard(name string) ShardStrategy {
	return func(datatree.Path) string { return name }
}

// ByFirstSegment places a path by its first segment, falling back to
// fallback for unlisted segments.
func ByFirstSegment(shards map[string]string, fallback string) ShardStrategy {
	return func(p datatree.Path) string {
		if name, ok := shards[p.FirstSegment()]; ok {
			return name
		}
		return fallback
	}
}

// Hashed spreads paths over shards by first segment with rendezvous
// hashing. Adding a shard moves only the segments it wins.
func Hashed(shards []string, seed string) ShardStrategy {
	shards = append([]string(nil), shards...)
	return func(p datatree.Path) string {
		name, _ := hrw.Best(p.FirstSegment(), shards, seed)
		return name
	}
}

// Locator returns a replica of a shard to send requests to. Any replica
// will do; followers forward to their leader.
type Locator interface {
	Locate(ctx context.Context, shard string) (shard.Ref, error)
}

type LocatorFunc func(ctx context.Context, shard string) (shard.Ref, error)

func (f LocatorFunc) Locate(ctx context.Context, s string) (shard.Ref, error) { return f(ctx, s) }

// RegistryLocator locates replicas in reg, preferring the one on member.
func RegistryLocator(reg *shard.Registry, member string) Locator {
	return LocatorFunc(func(_ context.Context, name string) (shard.Ref, error) {
		if ref, ok := reg.Lookup(name, member); ok {
			return ref, nil
		}
		if refs := reg.Replicas(name); len(refs) > 0 {
			return refs[0], nil
		}
		return nil, fmt.Errorf("%w %q", ErrNoReplica, name)
	})
}
