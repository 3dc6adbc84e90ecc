package datatree

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

const btreeDegree = 32

type entry struct {
	path  Path
	value []byte
}

func lessEntry(a, b entry) bool { return a.path < b.path }

func newItems() *btree.BTreeG[entry] { return btree.NewG(btreeDegree, lessEntry) }

// Snapshot is an immutable view of the tree.
type Snapshot struct {
	mu    sync.Mutex // guards cloning; reads never mutate
	items *btree.BTreeG[entry]
}

func newSnapshot(items *btree.BTreeG[entry]) *Snapshot { return &Snapshot{items: items} }

func (s *Snapshot) clone() *btree.BTreeG[entry] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Clone()
}

// Read returns the value stored at p.
func (s *Snapshot) Read(p Path) ([]byte, bool) {
	e, ok := s.items.Get(entry{path: p})
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Exists reports whether p has a value.
func (s *Snapshot) Exists(p Path) bool { return s.items.Has(entry{path: p}) }

// Len returns the number of nodes.
func (s *Snapshot) Len() int { return s.items.Len() }

// Walk visits p and every node below it in path order until fn returns false.
func (s *Snapshot) Walk(p Path, fn func(Path, []byte) bool) {
	walkSubtree(s.items, p, func(e entry) bool { return fn(e.path, e.value) })
}

func walkSubtree(items *btree.BTreeG[entry], p Path, fn func(entry) bool) {
	visit := func(e entry) bool {
		if !p.Contains(e.path) {
			return true
		}
		return fn(e)
	}
	if end := p.subtreeEnd(); end != "" {
		items.AscendRange(entry{path: p}, entry{path: end}, visit)
		return
	}
	items.AscendGreaterOrEqual(entry{path: p}, visit)
}

func subtree(items *btree.BTreeG[entry], p Path) []entry {
	var out []entry
	walkSubtree(items, p, func(e entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

func equalEntries(a, b []entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].path != b[i].path || !bytes.Equal(a[i].value, b[i].value) {
			return false
		}
	}
	return true
}
