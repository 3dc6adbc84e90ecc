package shard

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// TakeSnapshot asks the shard for its recovery image. The reply is a
// SnapshotTaken.
type TakeSnapshot struct {
	ReplyTo Replier `json:"-"`
}

type SnapshotTaken struct {
	Snapshot JournalSnapshot `json:"snapshot"`
}

// InstallSnapshot replaces the state of a replica that does not lead, as
// when the replication layer ships a snapshot to a lagging follower. A
// snapshot not newer than the applied index is ignored.
type InstallSnapshot struct {
	Snapshot JournalSnapshot `json:"snapshot"`
	ReplyTo  Replier         `json:"-"`
}

type SnapshotInstalled struct {
	Index uint64 `json:"index"`
}

func (s *Shard) onTakeSnapshot(m TakeSnapshot) {
	switch s.role.Kind() {
	case Inactive, Starting, Stopped:
		reply(m.ReplyTo, Failure{Err: fmt.Errorf("%w: %s", ErrNotStarted, s.id)})
		return
	}
	// the snapshot replaces the log that recorded the closes
	if n := s.frontends.purgeClosed(s.historyBusy); n > 0 {
		s.log.Debug("closed histories purged", slog.Int("count", n), slog.Int("remaining", s.frontends.Len()))
	}
	data, err := EncodeSnapshot(s.tree, s.frontends)
	if err != nil {
		reply(m.ReplyTo, Failure{Err: fmt.Errorf("encode snapshot: %w", err)})
		return
	}
	reply(m.ReplyTo, SnapshotTaken{Snapshot: JournalSnapshot{Index: s.lastApplied, Data: data}})
}

// historyBusy reports whether the leader still has transactions of h in
// flight.
func (s *Shard) historyBusy(h HistoryIdentifier) bool {
	c, ok := s.role.(committer)
	if !ok {
		return false
	}
	ch, ok := c.coordinator().chains[h]
	return ok && !ch.idle()
}

func (s *Shard) onInstallSnapshot(m InstallSnapshot) {
	switch s.role.Kind() {
	case Starting, Candidate, Follower:
	default:
		reply(m.ReplyTo, Failure{Err: fmt.Errorf("%w: install snapshot in role %s", ErrSnapshotRejected, s.role.Kind())})
		return
	}
	if m.Snapshot.Index <= s.lastApplied {
		reply(m.ReplyTo, SnapshotInstalled{Index: s.lastApplied})
		return
	}
	if err := s.restore(m.Snapshot); err != nil {
		reply(m.ReplyTo, Failure{Err: err})
		return
	}
	s.stats.SnapshotsInstalled++
	reply(m.ReplyTo, SnapshotInstalled{Index: s.lastApplied})
}

// restore replaces the tree and frontend metadata with snap.
func (s *Shard) restore(snap JournalSnapshot) error {
	img := shardSnapshot{Tree: s.tree, Frontends: s.frontends}
	if err := json.Unmarshal(snap.Data, &img); err != nil {
		return fmt.Errorf("%w: unreadable snapshot at %d: %v", ErrSnapshotRejected, snap.Index, err)
	}
	s.lastApplied = snap.Index
	s.log.Info("snapshot applied", slog.Uint64("index", snap.Index), slog.Int("nodes", s.tree.Snapshot().Len()))
	return nil
}
