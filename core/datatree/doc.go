// Package datatree is the in-memory tree engine backing one shard.
//
// Nodes are addressed by slash-separated paths ("/people/alice") and kept
// in a copy-on-write B-tree, so snapshots are cheap and immutable.
//
// A write goes through four steps:
//
//	m := tree.NewModification()   // isolated view on the current snapshot
//	m.Write("/a", v)              // write, merge, delete
//	tree.Validate(m)              // optimistic conflict check
//	c, _ := tree.Prepare(m)       // immutable before/after candidate
//	tree.Commit(c)                // make it visible
//
// Followers and recovery apply candidates produced elsewhere with ApplyChanges.
package datatree
