package datatree

import (
	"bytes"
	"sort"
)

// Change is the before/after state of one node. A nil side means the node
// is absent.
type Change struct {
	Path   Path   `json:"path"`
	Before []byte `json:"before,omitempty"`
	After  []byte `json:"after,omitempty"`
	// Existed and Exists disambiguate empty values from absent nodes.
	Existed bool `json:"existed,omitempty"`
	Exists  bool `json:"exists,omitempty"`
}

func (c Change) IsDelete() bool { return c.Existed && !c.Exists }

// Candidate is the immutable result of Prepare: the changes a modification
// will make and the resulting tree.
type Candidate struct {
	baseGeneration uint64
	changes        []Change
	after          *Snapshot
}

// Changes returns the effective node changes in path order.
func (c *Candidate) Changes() []Change { return c.changes }

// After returns the tree as it will look once the candidate is committed.
func (c *Candidate) After() *Snapshot { return c.after }

func (c *Candidate) IsEmpty() bool { return len(c.changes) == 0 }

type changeSet map[Path]*Change

func (cs changeSet) record(p Path, before []byte, hadBefore bool, after []byte, hasAfter bool) {
	c, ok := cs[p]
	if !ok {
		c = &Change{Path: p, Before: before, Existed: hadBefore}
		cs[p] = c
	}
	c.After, c.Exists = after, hasAfter
}

// effective drops nodes that ended up unchanged.
func (cs changeSet) effective() []Change {
	out := make([]Change, 0, len(cs))
	for _, c := range cs {
		if c.Existed == c.Exists && bytes.Equal(c.Before, c.After) {
			continue
		}
		if !c.Exists {
			c.After = nil
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
