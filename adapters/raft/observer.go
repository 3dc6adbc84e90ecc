package raft

import (
	"context"
	"log/slog"
	"time"

	hraft "github.com/hashicorp/raft"

	"github.com/codewandler/shardtx/core/shard"
)

// roleTracker is the view of the raft state last reported to the shard.
// It is owned by the watch goroutine.
type roleTracker struct {
	state  hraft.RaftState
	role   shard.RoleKind
	leader string
	// epoch counts terms of leadership; a barrier result from an older
	// epoch is stale.
	epoch       uint64
	caughtUp    bool
	unreachable map[hraft.ServerID]struct{}
}

// watch maps raft observations to RoleChanged and LeaderChanged. The
// periodic reconcile covers observations dropped by a full channel.
func (r *Replica) watch(ctx context.Context) {
	defer r.wg.Done()
	t := &roleTracker{
		state:       hraft.Follower,
		role:        shard.Candidate,
		unreachable: map[hraft.ServerID]struct{}{},
	}
	tick := time.NewTicker(r.cfg.IsolationCheck)
	defer tick.Stop()

	r.reconcile(t)
	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case o := <-r.obs:
			switch d := o.Data.(type) {
			case hraft.FailedHeartbeatObservation:
				t.unreachable[d.PeerID] = struct{}{}
			case hraft.ResumedHeartbeatObservation:
				delete(t.unreachable, d.PeerID)
			case hraft.PeerObservation:
				if d.Removed {
					delete(t.unreachable, d.Peer.ID)
				}
			}
			r.reconcile(t)
		case res := <-r.barriers:
			r.onBarrier(t, res)
		case <-tick.C:
			r.reconcile(t)
		}
	}
}

func (r *Replica) reconcile(t *roleTracker) {
	state := r.raft.State()
	if _, id := r.raft.LeaderWithID(); string(id) != t.leader {
		t.leader = string(id)
		_ = r.fsm.tell(shard.LeaderChanged{Leader: t.leader})
	}

	if state == hraft.Leader && t.state != hraft.Leader {
		t.epoch++
		t.caughtUp = false
		clear(t.unreachable)
		r.report(t, shard.PreLeader)
		r.barrier(t.epoch)
	}
	t.state = state

	switch state {
	case hraft.Follower:
		r.report(t, shard.Follower)
	case hraft.Candidate:
		r.report(t, shard.Candidate)
	case hraft.Leader:
		if t.caughtUp {
			r.report(t, r.leaderRole(t))
		}
	}
}

// barrier waits, off the watch goroutine, until every entry before this
// leadership term was handed to the shard.
func (r *Replica) barrier(epoch uint64) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := r.raft.Barrier(r.cfg.BarrierTimeout).Error()
		select {
		case r.barriers <- barrierResult{epoch: epoch, err: err}:
		case <-r.done:
		}
	}()
}

func (r *Replica) onBarrier(t *roleTracker, res barrierResult) {
	if res.epoch != t.epoch || t.state != hraft.Leader {
		return
	}
	if res.err != nil {
		r.log.Warn("leader barrier failed", slog.Any("error", res.err))
		if r.raft.State() == hraft.Leader {
			r.barrier(t.epoch)
		}
		return
	}
	t.caughtUp = true
	r.report(t, r.leaderRole(t))
}

// leaderRole is IsolatedLeader while heartbeats to a quorum of voters fail.
func (r *Replica) leaderRole(t *roleTracker) shard.RoleKind {
	if len(t.unreachable) == 0 {
		return shard.Leader
	}
	f := r.raft.GetConfiguration()
	if err := f.Error(); err != nil {
		return t.role
	}
	voters, reachable := 0, 0
	for _, s := range f.Configuration().Servers {
		if s.Suffrage != hraft.Voter {
			continue
		}
		voters++
		if _, down := t.unreachable[s.ID]; !down {
			reachable++
		}
	}
	if reachable < voters/2+1 {
		return shard.IsolatedLeader
	}
	return shard.Leader
}

func (r *Replica) report(t *roleTracker, role shard.RoleKind) {
	if role == t.role {
		return
	}
	r.log.Info("raft role", slog.String("from", t.role.String()), slog.String("to", role.String()), slog.String("leader", t.leader))
	t.role = role
	_ = r.fsm.tell(shard.RoleChanged{Role: role})
}
