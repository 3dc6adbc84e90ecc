package datatree

import (
	"encoding/json"
	"fmt"

	"github.com/google/btree"
)

type ModificationType uint8

const (
	ModWrite ModificationType = iota + 1
	ModMerge
	ModDelete
)

func (t ModificationType) String() string {
	switch t {
	case ModWrite:
		return "write"
	case ModMerge:
		return "merge"
	case ModDelete:
		return "delete"
	default:
		return fmt.Sprintf("ModificationType(%d)", uint8(t))
	}
}

func (t ModificationType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *ModificationType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "write":
		*t = ModWrite
	case "merge":
		*t = ModMerge
	case "delete":
		*t = ModDelete
	default:
		return fmt.Errorf("unknown modification type %q", b)
	}
	return nil
}

// Op is one recorded change of a Modification.
type Op struct {
	Type  ModificationType `json:"type"`
	Path  Path             `json:"path"`
	Value []byte           `json:"value,omitempty"`
}

// Modification is an isolated, read-your-writes change set on top of a
// base snapshot. It is not safe for concurrent use.
type Modification struct {
	base   *Snapshot
	view   *btree.BTreeG[entry]
	ops    []Op
	sealed bool
}

func newModification(base *Snapshot) *Modification {
	return &Modification{base: base, view: base.clone()}
}

// NewModification starts a modification on top of base.
func NewModification(base *Snapshot) *Modification { return newModification(base) }

// Write replaces the node at p and removes everything below it.
func (m *Modification) Write(p Path, value []byte) error { return m.Apply(Op{Type: ModWrite, Path: p, Value: value}) }

// Merge replaces the node value; JSON objects are merged key by key.
// Children are kept.
func (m *Modification) Merge(p Path, value []byte) error { return m.Apply(Op{Type: ModMerge, Path: p, Value: value}) }

// Delete removes the node at p and everything below it.
func (m *Modification) Delete(p Path) error { return m.Apply(Op{Type: ModDelete, Path: p}) }

// Apply records op.
func (m *Modification) Apply(op Op) error {
	if m.sealed {
		return ErrModificationReady
	}
	if err := applyOp(m.view, op, nil); err != nil {
		return err
	}
	m.ops = append(m.ops, op)
	return nil
}

// Read sees the modification's own writes.
func (m *Modification) Read(p Path) ([]byte, bool) {
	e, ok := m.view.Get(entry{path: p})
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Ready seals the modification; further changes fail.
func (m *Modification) Ready() { m.sealed = true }

func (m *Modification) Ops() []Op     { return m.ops }
func (m *Modification) IsEmpty() bool { return len(m.ops) == 0 }

// Snapshot returns the modified view. Used as the base of a chained
// transaction built on this one before it commits.
func (m *Modification) Snapshot() *Snapshot { return newSnapshot(m.view.Clone()) }

// recordFn observes every node change made by applyOp.
type recordFn func(p Path, before []byte, hadBefore bool, after []byte, hasAfter bool)

func applyOp(items *btree.BTreeG[entry], op Op, rec recordFn) error {
	switch op.Type {
	case ModWrite:
		removeSubtree(items, op.Path, rec)
		setValue(items, op.Path, op.Value, rec)
	case ModMerge:
		v := op.Value
		if old, ok := items.Get(entry{path: op.Path}); ok {
			v = mergeValues(old.value, op.Value)
		}
		setValue(items, op.Path, v, rec)
	case ModDelete:
		removeSubtree(items, op.Path, rec)
	default:
		return fmt.Errorf("unsupported modification %v", op.Type)
	}
	return nil
}

func setValue(items *btree.BTreeG[entry], p Path, v []byte, rec recordFn) {
	old, had := items.ReplaceOrInsert(entry{path: p, value: v})
	if rec != nil {
		rec(p, old.value, had, v, true)
	}
}

func removeSubtree(items *btree.BTreeG[entry], p Path, rec recordFn) {
	for _, e := range subtree(items, p) {
		items.Delete(e)
		if rec != nil {
			rec(e.path, e.value, true, nil, false)
		}
	}
}

// mergeValues merges two JSON objects key by key; anything else is replaced.
func mergeValues(old, upd []byte) []byte {
	var a, b map[string]json.RawMessage
	if json.Unmarshal(old, &a) != nil || json.Unmarshal(upd, &b) != nil || a == nil || b == nil {
		return upd
	}
	for k, v := range b {
		a[k] = v
	}
	out, err := json.Marshal(a)
	if err != nil {
		return upd
	}
	return out
}
