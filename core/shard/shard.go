package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/codewandler/shardtx/core/actor"
	"github.com/codewandler/shardtx/core/datatree"
)

// Ref reaches one replica of a shard, in process or remote.
type Ref interface {
	Tell(ctx context.Context, msg any) error
	Identity() ShardIdentity
}

// Shard is one replica of a shard. All state is owned by its actor loop;
// the exported methods are safe for concurrent use.
type Shard struct {
	id    ShardIdentity
	opts  Options
	log   *slog.Logger
	actor *actor.BaseActor
	hc    actor.HandlerCtx

	// loop-owned
	role        Role
	leader      string
	tree        *datatree.Tree
	frontends   *FrontendMetadata
	stash       *stash
	replicator  Replicator
	lastApplied uint64
	recovering  []LogEntry
	stats       Stats

	roleKind atomic.Uint32
	snapshot atomic.Pointer[Stats]
}

// New creates a shard in the Inactive role. Call Start to recover and join.
func New(opts Options) *Shard {
	opts = opts.withDefaults()

	s := &Shard{
		id:         opts.Identity,
		opts:       opts,
		log:        opts.Logger.With(slog.String("shard", opts.Identity.Shard), slog.String("member", opts.Identity.Member)),
		role:       inactiveRole{},
		tree:       datatree.New(),
		frontends:  NewFrontendMetadata(),
		stash:      newStash(opts.StashCapacity),
		replicator: opts.Replicator,
	}
	s.stats.Identity = s.id
	s.publish()

	if s.replicator == nil {
		mj, _ := opts.Journal.(*MemoryJournal)
		s.replicator = NewLocalReplicator(s, mj)
	}

	handlers := []actor.HandlerRegistration{
		actor.Init(func(hc actor.HandlerCtx) error {
			s.hc = hc
			return nil
		}),
		on(s, s.dispatch, CreateTransaction{}),
		on(s, s.dispatch, BatchedModifications{}),
		on(s, s.dispatch, ReadData{}),
		on(s, s.dispatch, CanCommitTransaction{}),
		on(s, s.dispatch, PreCommitTransaction{}),
		on(s, s.dispatch, CommitTransaction{}),
		on(s, s.dispatch, AbortTransaction{}),
		on(s, s.dispatch, CloseTransaction{}),
		on(s, s.dispatch, CloseTransactionChain{}),
		handle(s, s.onRoleChanged),
		handle(s, s.onLeaderChanged),
		handle(s, func(m LogEntryCommitted) { s.applyEntry(m.Entry) }),
		handle(s, s.onReplicationFailed),
		handle(s, s.onPhaseCompleted),
		handle(s, func(CheckCommitTimeouts) { s.checkTimeouts() }),
		handle(s, func(Reset) { s.changeRole(Inactive) }),
		handle(s, func(startShard) { s.start() }),
		handle(s, func(stopShard) { s.changeRole(Stopped) }),
		handle(s, s.onRecoverySnapshot),
		handle(s, s.onRecoveryBatch),
		handle(s, s.onRecoveryCompleted),
		handle(s, s.onTakeSnapshot),
		handle(s, s.onInstallSnapshot),
	}
	if opts.TimeoutCheckInterval > 0 {
		handlers = append(handlers, actor.HandleEvery(opts.TimeoutCheckInterval, func(actor.HandlerCtx) error {
			s.checkTimeouts()
			s.publish()
			return nil
		}))
	}

	s.actor = actor.TypedHandlers(handlers...).ToActor(actor.Options{
		ID:          "shard/" + s.id.String(),
		Context:     opts.Context,
		Logger:      s.log,
		Metrics:     opts.ActorMetrics,
		MailboxSize: opts.MailboxSize,
	})
	return s
}

// handle registers fn for messages of type T and publishes stats after it ran.
func handle[T any](s *Shard, fn func(T)) actor.HandlerRegistration {
	return actor.HandleMsg(func(_ actor.HandlerCtx, m T) error {
		fn(m)
		s.publish()
		return nil
	})
}

// on registers a transactional request type with the role router.
func on[T request](s *Shard, fn func(request), _ T) actor.HandlerRegistration {
	return handle(s, func(m T) { fn(m) })
}

// Start moves the shard to Starting and begins recovery.
func (s *Shard) Start(ctx context.Context) error {
	return actor.Publish(ctx, s.actor, startShard{})
}

// Stop fails pending work, moves to Stopped and stops the loop. Stop is
// idempotent.
func (s *Shard) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.OperationTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.actor.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := actor.Publish(ctx, s.actor, stopShard{}); err != nil && !errors.Is(err, actor.ErrStopped) && !errors.Is(err, context.Canceled) {
		s.log.Warn("stop shard", slog.Any("error", err))
	}
	s.actor.Stop()
	// a replicator passed in Options belongs to the caller
	if lr, ok := s.replicator.(*LocalReplicator); ok && s.opts.Replicator == nil {
		_ = lr.Close()
	}
}

// Tell enqueues msg for the shard loop.
func (s *Shard) Tell(ctx context.Context, msg any) error { return s.actor.Tell(ctx, msg) }

func (s *Shard) Identity() ShardIdentity { return s.id }

// Role returns the current role kind.
func (s *Shard) Role() RoleKind { return RoleKind(s.roleKind.Load()) }

// Stats returns the stats published after the last handled message.
func (s *Shard) Stats() Stats { return *s.snapshot.Load() }

// Tree returns the shard's data tree for read access.
func (s *Shard) Tree() *datatree.Tree { return s.tree }

func (s *Shard) now() time.Time { return s.opts.Now() }

// post delivers msg to the shard loop from a scheduled task.
func (s *Shard) post(msg any) {
	if err := s.actor.Tell(s.hc, msg); err != nil {
		s.log.Debug("post to shard loop failed", slog.String("msg_type", actor.MsgTypeOf(msg)), slog.Any("error", err))
	}
}

func (s *Shard) operationContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.hc, s.opts.OperationTimeout)
}

func (s *Shard) notLeader(reason string) *NotLeaderError {
	leader := s.leader
	if leader == s.id.Member {
		leader = ""
	}
	return &NotLeaderError{Shard: s.id, Leader: leader, Reason: reason}
}

func (s *Shard) resolvePeer(member string) (Ref, bool) {
	if member == "" || member == s.id.Member {
		return nil, false
	}
	return s.opts.Peers(member)
}

func (s *Shard) publish() {
	st := s.stats
	st.Role = s.role.Kind()
	st.Leader = s.leader
	st.StashDepth = s.stash.len()
	st.LastAppliedIndex = s.lastApplied
	st.QueueDepth, st.OpenTransactions = 0, 0
	if c, ok := s.role.(committer); ok {
		st.QueueDepth = c.coordinator().queueDepth()
		st.OpenTransactions = c.coordinator().openCount()
	}
	s.snapshot.Store(&st)
}

// ---- routing ----

func (s *Shard) dispatch(req request) {
	d := s.role.route(s, req)
	switch d.kind {
	case execute:
		c, ok := s.role.(committer)
		if !ok {
			reply(req.replier(), Failure{TxID: req.transactionID(), Err: s.notLeader("no commit pipeline")})
			return
		}
		c.coordinator().handle(req)
	case forward:
		s.forward(d.to, req)
	case stashIt:
		s.stashRequest(req, d.reason)
	case reject:
		reply(req.replier(), Failure{TxID: req.transactionID(), Err: d.err})
	}
}

func (s *Shard) forward(to Ref, req request) {
	ctx, cancel := s.operationContext()
	defer cancel()

	if err := to.Tell(ctx, req); err != nil {
		s.log.Warn("forward to leader failed",
			slog.String("tx", req.transactionID().String()),
			slog.String("leader", to.Identity().String()),
			slog.Any("error", err),
		)
		reply(req.replier(), Failure{TxID: req.transactionID(), Err: s.notLeader(fmt.Sprintf("forward to %s failed: %v", to.Identity(), err))})
		return
	}
	s.stats.Forwarded++
	s.opts.Metrics.MessageForwarded(s.id.Shard)
	s.log.Debug("forwarded to leader",
		slog.String("msg_type", actor.MsgTypeOf(req)),
		slog.String("tx", req.transactionID().String()),
		slog.String("leader", to.Identity().String()),
	)
}

func (s *Shard) stashRequest(req request, reason string) {
	if !s.stash.push(stashedMessage{req: req, reason: reason, at: s.now()}) {
		reply(req.replier(), Failure{TxID: req.transactionID(), Err: fmt.Errorf("%w: %s: %s", ErrStashFull, s.id, reason)})
		return
	}
	s.stats.Stashed++
	s.opts.Metrics.MessageStashed(s.id.Shard)
	s.log.Debug("stashed",
		slog.String("msg_type", actor.MsgTypeOf(req)),
		slog.String("tx", req.transactionID().String()),
		slog.String("reason", reason),
	)
}

// redeliver replays the stash in arrival order against the current role.
// Requests the role still cannot serve are stashed again in order.
func (s *Shard) redeliver() {
	items := s.stash.drain()
	if len(items) == 0 {
		return
	}
	s.log.Debug("redelivering stash", slog.Int("count", len(items)), slog.String("role", s.role.Kind().String()))
	for _, it := range items {
		s.dispatch(it.req)
	}
}

// ---- role changes ----

func (s *Shard) onRoleChanged(m RoleChanged) {
	switch r := s.role.(type) {
	case startingRole:
		k := m.Role
		r.pending = &k
		s.role = r
		return
	case stoppedRole:
		return
	}
	if m.Role == s.role.Kind() {
		return
	}
	s.changeRole(m.Role)
}

func (s *Shard) onLeaderChanged(m LeaderChanged) {
	if m.Leader == s.leader {
		return
	}
	s.log.Info("leader changed", slog.String("from", s.leader), slog.String("to", m.Leader))
	s.leader = m.Leader
	if s.role.Kind() == Follower {
		s.changeRole(Follower)
	}
}

// changeRole moves the shard to kind through the transition function and
// replays the stash. Illegal transitions are logged and ignored.
func (s *Shard) changeRole(kind RoleKind) {
	leader := s.leader
	switch {
	case kind.IsLeader():
		leader = s.id.Member
	case kind == Candidate, leader == s.id.Member:
		leader = ""
	}

	next, err := transition(s, s.role, kind, leader)
	if err != nil {
		s.log.Warn("role change rejected", slog.Any("error", err))
		return
	}
	s.leader = leader
	s.setRole(next)
}

func (s *Shard) setRole(next Role) {
	prev := s.role
	if c, ok := prev.(committer); ok {
		if _, still := next.(committer); !still {
			s.abandonLeadership(c.coordinator(), next)
		}
	}

	s.role = next
	s.roleKind.Store(uint32(next.Kind()))
	if prev.Kind() != next.Kind() {
		s.log.Info("role changed", slog.String("from", prev.Kind().String()), slog.String("to", next.Kind().String()), slog.String("leader", s.leader))
		s.opts.Metrics.RoleChanged(s.id.Shard, next.Kind().String())
		if s.opts.OnRoleChange != nil {
			s.opts.OnRoleChange(RoleChange{Shard: s.id, From: prev.Kind(), To: next.Kind()})
		}
	}
	s.redeliver()
}

func (s *Shard) abandonLeadership(c *commitCoordinator, next Role) {
	var (
		target Ref
		cause  error
	)
	switch next.Kind() {
	case Stopped:
		cause = fmt.Errorf("%w: %s", ErrStopped, s.id)
	case Inactive:
		cause = fmt.Errorf("%w: %s", ErrNotStarted, s.id)
	default:
		cause = s.notLeader("leadership lost")
		if ref, ok := s.resolvePeer(s.leader); ok {
			target = ref
		}
	}
	s.log.Info("leadership lost",
		slog.String("next", next.Kind().String()),
		slog.Int("pending", c.queueDepth()+c.openCount()),
		slog.Bool("forwarding", target != nil),
	)
	c.abandon(target, cause)
}

// ---- replication ----

// applyEntry applies a committed log entry. While Starting it is buffered
// until recovery completes.
func (s *Shard) applyEntry(e LogEntry) {
	if _, ok := s.role.(startingRole); ok {
		s.recovering = append(s.recovering, e)
		return
	}
	s.apply(e)
}

// apply skips entries at or below the last applied index.
func (s *Shard) apply(e LogEntry) {
	if e.Index != 0 && e.Index <= s.lastApplied {
		return
	}
	if e.Index != 0 {
		s.lastApplied = e.Index
	}

	p, err := DecodePayload(e.Payload)
	if err != nil {
		s.log.Error("skipping undecodable log entry", slog.Uint64("index", e.Index), slog.Any("error", err))
		return
	}
	if c, ok := s.role.(committer); ok && c.coordinator().onCommitted(p) {
		return
	}
	if p.Kind == PayloadCommit {
		s.tree.ApplyChanges(p.Changes)
	}
	s.frontends.apply(p)
	s.stats.AppliedEntries++
}

func (s *Shard) onReplicationFailed(m ReplicationFailed) {
	if c, ok := s.role.(committer); ok {
		c.coordinator().onReplicationFailed(m)
		return
	}
	s.log.Warn("replication failed without leadership", slog.String("tx", m.TxID.String()), slog.Any("error", m.Err))
}

func (s *Shard) onPhaseCompleted(m phaseCompleted) {
	if c, ok := s.role.(committer); ok {
		c.coordinator().onPhaseCompleted(m)
	}
}

func (s *Shard) checkTimeouts() {
	if c, ok := s.role.(committer); ok {
		c.coordinator().checkTimeouts()
	}
}
