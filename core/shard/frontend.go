package shard

import (
	"encoding/json"
	"time"

	"github.com/codewandler/shardtx/core/cache"
	"github.com/codewandler/shardtx/core/ds"
)

// maxCommittedRanges bounds how many runs of committed transaction
// sequences are remembered per history. The lowest runs go first.
const maxCommittedRanges = 512

type historyMeta struct {
	Committed *ds.RangeSet `json:"committed"`
	Closed    bool         `json:"closed,omitempty"`
}

// FrontendMetadata is the replicated record of which transactions have
// committed. Every replica maintains it from the log, so a new leader can
// answer retries of transactions committed by its predecessor.
type FrontendMetadata struct {
	histories map[HistoryIdentifier]*historyMeta
}

func NewFrontendMetadata() *FrontendMetadata {
	return &FrontendMetadata{histories: map[HistoryIdentifier]*historyMeta{}}
}

func (m *FrontendMetadata) history(h HistoryIdentifier) *historyMeta {
	hm, ok := m.histories[h]
	if !ok {
		hm = &historyMeta{Committed: ds.NewRangeSet()}
		m.histories[h] = hm
	}
	return hm
}

func (m *FrontendMetadata) apply(p Payload) {
	switch p.Kind {
	case PayloadCommit:
		m.onCommitted(p.TxID)
	case PayloadCloseHistory:
		m.onHistoryClosed(p.TxID.History)
	}
}

func (m *FrontendMetadata) onCommitted(id TransactionIdentifier) {
	hm := m.history(id.History)
	hm.Committed.Add(id.Seq)
	for hm.Committed.RangeCount() > maxCommittedRanges {
		hm.Committed.DropLowest()
	}
}

func (m *FrontendMetadata) onHistoryClosed(h HistoryIdentifier) {
	hm := m.history(h)
	hm.Closed = true
	hm.Committed.Clear()
}

func (m *FrontendMetadata) IsCommitted(id TransactionIdentifier) bool {
	hm, ok := m.histories[id.History]
	return ok && hm.Committed.Contains(id.Seq)
}

func (m *FrontendMetadata) IsClosed(h HistoryIdentifier) bool {
	hm, ok := m.histories[h]
	return ok && hm.Closed
}

func (m *FrontendMetadata) Len() int { return len(m.histories) }

// purgeClosed forgets the closed histories busy reports false for and
// returns how many it dropped.
func (m *FrontendMetadata) purgeClosed(busy func(HistoryIdentifier) bool) int {
	n := 0
	for h, hm := range m.histories {
		if !hm.Closed || (busy != nil && busy(h)) {
			continue
		}
		delete(m.histories, h)
		n++
	}
	return n
}

type historyRecord struct {
	History HistoryIdentifier `json:"history"`
	historyMeta
}

func (m *FrontendMetadata) MarshalJSON() ([]byte, error) {
	out := make([]historyRecord, 0, len(m.histories))
	for h, hm := range m.histories {
		out = append(out, historyRecord{History: h, historyMeta: *hm})
	}
	return json.Marshal(out)
}

func (m *FrontendMetadata) UnmarshalJSON(b []byte) error {
	var records []historyRecord
	if err := json.Unmarshal(b, &records); err != nil {
		return err
	}
	m.histories = make(map[HistoryIdentifier]*historyMeta, len(records))
	for _, r := range records {
		hm := r.historyMeta
		if hm.Committed == nil {
			hm.Committed = ds.NewRangeSet()
		}
		m.histories[r.History] = &hm
	}
	return nil
}

type outcome uint8

const (
	outcomeUnknown outcome = iota
	outcomeCommitted
	outcomeAborted
)

// frontendTracker answers "has this transaction already completed" on the
// leader. Commits come from the replicated metadata, aborts from a local
// cache of recent outcomes.
type frontendTracker struct {
	meta    *FrontendMetadata
	aborted *cache.LRU[error]
	ttl     time.Duration
}

func newFrontendTracker(meta *FrontendMetadata, size int, ttl time.Duration) *frontendTracker {
	return &frontendTracker{
		meta:    meta,
		aborted: cache.NewLRU[error](cache.LRUOpts{Size: size}),
		ttl:     ttl,
	}
}

func (f *frontendTracker) outcome(id TransactionIdentifier) (outcome, error) {
	if f.meta.IsCommitted(id) {
		return outcomeCommitted, nil
	}
	if err, ok := f.aborted.Get(id.String()); ok {
		return outcomeAborted, err
	}
	return outcomeUnknown, nil
}

func (f *frontendTracker) recordAborted(id TransactionIdentifier, cause error) {
	f.aborted.Put(id.String(), cause, f.ttl)
}

func (f *frontendTracker) close() { f.aborted.Close() }
