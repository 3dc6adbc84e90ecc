package shard

import (
	"slices"
	"strings"
	"sync"
)

// Registry tracks the in-process replicas of every shard by member. It
// serves as PeerResolver for shards sharing one process, as in tests and
// single-binary clusters.
type Registry struct {
	mu   sync.RWMutex
	refs map[string]map[string]Ref
}

func NewRegistry() *Registry {
	return &Registry{refs: map[string]map[string]Ref{}}
}

func (r *Registry) Register(ref Ref) {
	id := ref.Identity()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs[id.Shard] == nil {
		r.refs[id.Shard] = map[string]Ref{}
	}
	r.refs[id.Shard][id.Member] = ref
}

// Lookup returns the replica of shard on member.
func (r *Registry) Lookup(shard, member string) (Ref, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.refs[shard][member]
	return ref, ok
}

// Peers returns the PeerResolver of shard.
func (r *Registry) Peers(shard string) PeerResolver {
	return func(member string) (Ref, bool) { return r.Lookup(shard, member) }
}

// Replicas returns every registered replica of shard ordered by member.
func (r *Registry) Replicas(shard string) []Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Ref, 0, len(r.refs[shard]))
	for _, ref := range r.refs[shard] {
		out = append(out, ref)
	}
	slices.SortFunc(out, func(a, b Ref) int { return strings.Compare(a.Identity().Member, b.Identity().Member) })
	return out
}
