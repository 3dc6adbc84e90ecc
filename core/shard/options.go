package shard

import (
	"context"
	"log/slog"
	"time"

	"github.com/codewandler/shardtx/core/actor"
	"github.com/codewandler/shardtx/core/datatree"
)

// Defaults follow the datastore this shard core was modeled on.
const (
	DefaultTransactionCommitTimeout = 30 * time.Second
	DefaultCommitQueueCapacity      = 50_000
	DefaultCommitQueueExpiry        = 2 * time.Minute
	DefaultRecoveryBatchSize        = 1000
	DefaultOperationTimeout         = 5 * time.Second
)

// PeerResolver returns a reference to the replica of the same shard on member.
type PeerResolver func(member string) (Ref, bool)

// CandidateListener is notified on the leader after every successful
// commit. It is called on the shard loop and must not block.
type CandidateListener interface {
	OnCommitted(txID TransactionIdentifier, candidate *datatree.Candidate)
}

// RoleChange describes a role transition.
type RoleChange struct {
	Shard ShardIdentity
	From  RoleKind
	To    RoleKind
}

type Options struct {
	Identity ShardIdentity
	Context  context.Context
	Logger   *slog.Logger

	// Replicator defaults to a LocalReplicator delivering to the shard itself.
	Replicator Replicator
	// Journal is read while Starting. Nil means nothing to recover.
	Journal Journal
	Peers   PeerResolver

	Cohorts   []CohortRegistration
	Listeners []CandidateListener
	// OnRoleChange is called on the shard loop after every transition.
	OnRoleChange func(RoleChange)

	Metrics      ShardMetrics
	ActorMetrics actor.ActorMetrics
	Now          func() time.Time

	TransactionCommitTimeout time.Duration
	CommitQueueCapacity      int
	CommitQueueExpiry        time.Duration
	// TimeoutCheckInterval defaults to a third of TransactionCommitTimeout.
	// Negative disables the periodic check; CheckCommitTimeouts still works.
	TimeoutCheckInterval time.Duration
	RecoveryBatchSize    int
	// OperationTimeout bounds forwarding a request to the leader.
	OperationTimeout time.Duration
	// StashCapacity caps stashed requests; 0 is unbounded.
	StashCapacity int
	// OutcomeCacheSize bounds remembered aborted transactions, kept for
	// OutcomeCacheTTL.
	OutcomeCacheSize int
	OutcomeCacheTTL  time.Duration
	MailboxSize      int
}

func (o Options) withDefaults() Options {
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = NopShardMetrics()
	}
	if o.ActorMetrics == nil {
		o.ActorMetrics = actor.NopActorMetrics()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Peers == nil {
		o.Peers = func(string) (Ref, bool) { return nil, false }
	}
	if o.TransactionCommitTimeout <= 0 {
		o.TransactionCommitTimeout = DefaultTransactionCommitTimeout
	}
	if o.CommitQueueCapacity <= 0 {
		o.CommitQueueCapacity = DefaultCommitQueueCapacity
	}
	if o.CommitQueueExpiry <= 0 {
		o.CommitQueueExpiry = DefaultCommitQueueExpiry
	}
	if o.TimeoutCheckInterval == 0 {
		o.TimeoutCheckInterval = o.TransactionCommitTimeout / 3
	}
	if o.RecoveryBatchSize <= 0 {
		o.RecoveryBatchSize = DefaultRecoveryBatchSize
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.OutcomeCacheSize <= 0 {
		o.OutcomeCacheSize = 10_000
	}
	if o.OutcomeCacheTTL <= 0 {
		o.OutcomeCacheTTL = 10 * time.Minute
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = 4096
	}
	return o
}
