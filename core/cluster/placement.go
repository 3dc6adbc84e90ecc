package cluster

import (
	"slices"

	"github.com/codewandler/shardtx/internal/hrw"
)

// Placement assigns the replicas of every shard to members by rendezvous
// hashing, so every member computes the same assignment from the same
// member list.
type Placement struct {
	members  []string
	replicas int
	seed     string
}

// NewPlacement places replicas copies of each shard among members. A
// replicas value of zero or more than the member count places every shard
// on every member.
func NewPlacement(members []string, replicas int, seed string) *Placement {
	m := slices.Clone(members)
	slices.Sort(m)
	m = slices.Compact(m)
	if replicas <= 0 || replicas > len(m) {
		replicas = len(m)
	}
	return &Placement{members: m, replicas: replicas, seed: seed}
}

func (p *Placement) Members() []string { return slices.Clone(p.members) }

// Replicas returns the members hosting shard, best first.
func (p *Placement) Replicas(shard string) []string {
	return hrw.TopK(shard, p.members, p.replicas, p.seed)
}

// Owns reports whether member hosts a replica of shard.
func (p *Placement) Owns(member, shard string) bool {
	return slices.Contains(p.Replicas(shard), member)
}

// ShardsOf returns the shards among shards that member hosts.
func (p *Placement) ShardsOf(member string, shards []string) []string {
	var out []string
	for _, s := range shards {
		if p.Owns(member, s) {
			out = append(out, s)
		}
	}
	return out
}
