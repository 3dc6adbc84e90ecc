package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	hraft "github.com/hashicorp/raft"

	"github.com/codewandler/shardtx/core/shard"
)

// appliedKey holds the highest log index handed to the shard. Entries up
// to it are known to be committed, so Journal may replay them.
var appliedKey = []byte("shardtx_applied_index")

// fsm hands committed raft entries to the shard. It keeps no state of its
// own: snapshots are taken from and installed into the shard.
type fsm struct {
	log     *slog.Logger
	stable  hraft.StableStore
	timeout time.Duration

	mu     sync.RWMutex
	target shard.Ref
}

var (
	_ hraft.FSM         = (*fsm)(nil)
	_ hraft.BatchingFSM = (*fsm)(nil)
)

func (f *fsm) setTarget(ref shard.Ref) {
	f.mu.Lock()
	f.target = ref
	f.mu.Unlock()
}

func (f *fsm) ref() (shard.Ref, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.target == nil {
		return nil, ErrNotStarted
	}
	return f.target, nil
}

func (f *fsm) tell(msg any) error {
	ref, err := f.ref()
	if err != nil {
		return err
	}
	if err := ref.Tell(context.Background(), msg); err != nil {
		f.log.Warn("deliver to shard failed", slog.String("msg_type", fmt.Sprintf("%T", msg)), slog.Any("error", err))
		return err
	}
	return nil
}

func (f *fsm) Apply(l *hraft.Log) interface{} {
	return f.ApplyBatch([]*hraft.Log{l})[0]
}

func (f *fsm) ApplyBatch(logs []*hraft.Log) []interface{} {
	out := make([]interface{}, len(logs))
	var last uint64
	for i, l := range logs {
		if l.Type != hraft.LogCommand {
			continue
		}
		if err := f.tell(shard.LogEntryCommitted{Entry: shard.LogEntry{Index: l.Index, Payload: l.Data}}); err != nil {
			out[i] = err
		}
		last = l.Index
	}
	if last > 0 {
		if err := f.stable.SetUint64(appliedKey, last); err != nil {
			f.log.Error("record applied index", slog.Uint64("index", last), slog.Any("error", err))
		}
	}
	return out
}

// Snapshot asks the shard for its image. Raft calls it between Apply
// calls, and the shard handles messages in order, so the image covers
// exactly the entries applied so far.
func (f *fsm) Snapshot() (hraft.FSMSnapshot, error) {
	ref, err := f.ref()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	taken, err := shard.AskAs[shard.SnapshotTaken](ctx, ref, func(r shard.Replier) any {
		return shard.TakeSnapshot{ReplyTo: r}
	})
	if err != nil {
		return nil, fmt.Errorf("take shard snapshot: %w", err)
	}
	return &fsmSnapshot{snap: taken.Snapshot}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	snap, err := decodeSnapshot(rc)
	if err != nil {
		return err
	}
	ref, err := f.ref()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	installed, err := shard.AskAs[shard.SnapshotInstalled](ctx, ref, func(r shard.Replier) any {
		return shard.InstallSnapshot{Snapshot: snap, ReplyTo: r}
	})
	if err != nil {
		return fmt.Errorf("install shard snapshot: %w", err)
	}
	f.log.Info("installed snapshot", slog.Uint64("index", installed.Index))
	return nil
}

type fsmSnapshot struct {
	snap shard.JournalSnapshot
}

func (s *fsmSnapshot) Persist(sink hraft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.snap); err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

func decodeSnapshot(r io.Reader) (shard.JournalSnapshot, error) {
	var snap shard.JournalSnapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
