package datatree

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/btree"
)

// Tree is the authoritative data tree of a shard. It is safe for
// concurrent use; mutations are expected from a single owner.
type Tree struct {
	mu         sync.RWMutex
	items      *btree.BTreeG[entry]
	generation uint64
}

func New() *Tree {
	return &Tree{items: newItems()}
}

// Generation increments with every committed change.
func (t *Tree) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// Snapshot returns an immutable view of the current state.
func (t *Tree) Snapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return newSnapshot(t.items.Clone())
}

// NewModification starts a modification on the current state.
func (t *Tree) NewModification() *Modification { return newModification(t.Snapshot()) }

// Validate checks that nothing m touches has changed since m's base
// snapshot was taken.
func (t *Tree) Validate(m *Modification) error {
	current := t.Snapshot()

	checked := make(map[Path]struct{}, len(m.ops))
	for _, op := range m.ops {
		if _, ok := checked[op.Path]; ok {
			continue
		}
		checked[op.Path] = struct{}{}

		var same bool
		if op.Type == ModMerge {
			a, aok := m.base.Read(op.Path)
			b, bok := current.Read(op.Path)
			same = aok == bok && string(a) == string(b)
		} else {
			same = equalEntries(subtree(m.base.items, op.Path), subtree(current.items, op.Path))
		}
		if !same {
			return &ConflictError{Path: op.Path}
		}
	}
	return nil
}

// Prepare computes the candidate of m against the current state.
func (t *Tree) Prepare(m *Modification) (*Candidate, error) {
	t.mu.Lock()
	items := t.items.Clone()
	gen := t.generation
	t.mu.Unlock()

	cs := changeSet{}
	for _, op := range m.ops {
		if err := applyOp(items, op, cs.record); err != nil {
			return nil, err
		}
	}
	return &Candidate{
		baseGeneration: gen,
		changes:        cs.effective(),
		after:          newSnapshot(items),
	}, nil
}

// Commit makes c visible. It fails if the tree changed after c was prepared.
func (t *Tree) Commit(c *Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.baseGeneration != t.generation {
		return fmt.Errorf("%w: prepared at %d, tree at %d", ErrStaleCandidate, c.baseGeneration, t.generation)
	}
	t.items = c.after.clone()
	t.generation++
	return nil
}

// ApplyChanges applies changes unconditionally, as replicated by a leader
// or read back from the journal.
func (t *Tree) ApplyChanges(changes []Change) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range changes {
		if c.Exists {
			t.items.ReplaceOrInsert(entry{path: c.Path, value: c.After})
		} else {
			t.items.Delete(entry{path: c.Path})
		}
	}
	t.generation++
}

type snapshotNode struct {
	Path  Path   `json:"path"`
	Value []byte `json:"value"`
}

// MarshalJSON encodes the current state as a flat list of nodes.
func (t *Tree) MarshalJSON() ([]byte, error) {
	snap := t.Snapshot()
	nodes := make([]snapshotNode, 0, snap.Len())
	snap.items.Ascend(func(e entry) bool {
		nodes = append(nodes, snapshotNode{Path: e.path, Value: e.value})
		return true
	})
	return json.Marshal(nodes)
}

// UnmarshalJSON replaces the state with a previously marshaled one.
func (t *Tree) UnmarshalJSON(b []byte) error {
	var nodes []snapshotNode
	if err := json.Unmarshal(b, &nodes); err != nil {
		return fmt.Errorf("decode tree snapshot: %w", err)
	}
	items := newItems()
	for _, n := range nodes {
		items.ReplaceOrInsert(entry{path: n.Path, value: n.Value})
	}
	t.mu.Lock()
	t.items = items
	t.generation++
	t.mu.Unlock()
	return nil
}
