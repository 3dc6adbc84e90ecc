package raft

import (
	"context"
	"errors"
	"fmt"

	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/codewandler/shardtx/core/shard"
)

// journal reads the raft stores of a replica: the latest raft snapshot
// and the command entries after it, up to the last index the FSM handed
// over. Entries past that index may not be committed and are left for
// raft to replay.
type journal struct {
	logs   hraft.LogStore
	stable hraft.StableStore
	snaps  hraft.SnapshotStore
}

var _ shard.Journal = (*journal)(nil)

func (j *journal) LoadSnapshot(context.Context) (*shard.JournalSnapshot, error) {
	metas, err := j.snaps.List()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	if len(metas) == 0 {
		return nil, nil
	}
	_, rc, err := j.snaps.Open(metas[0].ID)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", metas[0].ID, err)
	}
	defer rc.Close()
	snap, err := decodeSnapshot(rc)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (j *journal) ReadEntries(ctx context.Context, after uint64, fn func(shard.LogEntry) error) error {
	applied, err := j.stable.GetUint64(appliedKey)
	if err != nil && !errors.Is(err, raftboltdb.ErrKeyNotFound) {
		return fmt.Errorf("read applied index: %w", err)
	}
	first, err := j.logs.FirstIndex()
	if err != nil {
		return fmt.Errorf("first index: %w", err)
	}
	from := max(after+1, first)

	for i := from; i <= applied; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var l hraft.Log
		if err := j.logs.GetLog(i, &l); err != nil {
			if errors.Is(err, hraft.ErrLogNotFound) {
				continue
			}
			return fmt.Errorf("read log %d: %w", i, err)
		}
		if l.Type != hraft.LogCommand {
			continue
		}
		if err := fn(shard.LogEntry{Index: l.Index, Payload: l.Data}); err != nil {
			return err
		}
	}
	return nil
}
