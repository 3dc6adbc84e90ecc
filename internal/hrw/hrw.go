// Package hrw implements rendezvous (highest random weight) hashing: every
// candidate is scored against a key and the best scores win, so removing a
// candidate only moves the keys it held.
package hrw

import (
	"cmp"
	"encoding/binary"
	"slices"

	"golang.org/x/crypto/blake2b"
)

// Score is the weight of candidate for key. seed separates independent
// placements over the same candidates.
func Score(key, candidate, seed string) uint64 {
	h, _ := blake2b.New(8, nil)
	for _, part := range [...]string{seed, key, candidate} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return binary.BigEndian.Uint64(h.Sum(nil))
}

// TopK returns the k candidates scoring highest for key, best first. Ties
// are broken by name so every caller agrees.
func TopK(key string, candidates []string, k int, seed string) []string {
	k = min(k, len(candidates))
	if k <= 0 {
		return nil
	}
	type scored struct {
		name  string
		score uint64
	}
	all := make([]scored, len(candidates))
	for i, c := range candidates {
		all[i] = scored{name: c, score: Score(key, c, seed)}
	}
	slices.SortFunc(all, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.name, b.name)
	})
	out := make([]string, k)
	for i := range out {
		out[i] = all[i].name
	}
	return out
}

// Best returns the top candidate for key; ok is false without candidates.
func Best(key string, candidates []string, seed string) (best string, ok bool) {
	top := TopK(key, candidates, 1, seed)
	if len(top) == 0 {
		return "", false
	}
	return top[0], true
}
