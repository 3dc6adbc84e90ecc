package shard

import (
	"context"
	"sync"
)

// JournalSnapshot is the latest persisted snapshot and the log index it
// covers.
type JournalSnapshot struct {
	Index uint64
	Data  []byte
}

// Journal is the persisted log a shard recovers from while Starting.
type Journal interface {
	// LoadSnapshot returns the latest snapshot, nil when there is none.
	LoadSnapshot(ctx context.Context) (*JournalSnapshot, error)
	// ReadEntries calls fn for each entry with an index above after, in order.
	ReadEntries(ctx context.Context, after uint64, fn func(LogEntry) error) error
}

// MemoryJournal is an in-process Journal.
type MemoryJournal struct {
	mu       sync.RWMutex
	snapshot *JournalSnapshot
	entries  []LogEntry
}

func NewMemoryJournal() *MemoryJournal { return &MemoryJournal{} }

func (j *MemoryJournal) Append(e LogEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
}

// SaveSnapshot stores snap and drops the entries it covers.
func (j *MemoryJournal) SaveSnapshot(snap JournalSnapshot) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snapshot = &snap
	kept := j.entries[:0]
	for _, e := range j.entries {
		if e.Index > snap.Index {
			kept = append(kept, e)
		}
	}
	j.entries = kept
}

func (j *MemoryJournal) LoadSnapshot(context.Context) (*JournalSnapshot, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.snapshot == nil {
		return nil, nil
	}
	s := *j.snapshot
	return &s, nil
}

func (j *MemoryJournal) ReadEntries(ctx context.Context, after uint64, fn func(LogEntry) error) error {
	j.mu.RLock()
	entries := append([]LogEntry(nil), j.entries...)
	j.mu.RUnlock()

	for _, e := range entries {
		if e.Index <= after {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

var _ Journal = (*MemoryJournal)(nil)
