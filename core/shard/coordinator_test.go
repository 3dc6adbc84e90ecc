package shard

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardtx/core/datatree"
)

func TestLeader_ThreePhaseCommit(t *testing.T) {
	l := &listener{}
	s := newLeader(t, "m1", func(o *Options) { o.Listeners = []CandidateListener{l} })

	created, err := ask[CreateTransactionReply](t, s, func(r Replier) any { return CreateTransaction{TxID: txID(1), ReplyTo: r} })
	require.NoError(t, err)
	require.Equal(t, s.Identity(), created.Leader)

	ready, err := readyTx(t, s, txID(1), write("/a", `"one"`))
	require.NoError(t, err)
	require.Equal(t, s.Identity(), ready.Cohort)
	require.NotNil(t, ready.Ref)

	_, ok := readTree(s, "/a")
	require.False(t, ok, "nothing visible before commit")

	require.NoError(t, commitAll(t, ready.Ref, txID(1)))

	v, ok := readTree(s, "/a")
	require.True(t, ok)
	require.Equal(t, `"one"`, v)
	require.Equal(t, []TransactionIdentifier{txID(1)}, l.ids())

	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Committed == 1 && st.QueueDepth == 0 && !st.LastCommittedAt.IsZero()
	}, time.Second, 5*time.Millisecond)
}

func TestLeader_BatchesAndCommitOnReady(t *testing.T) {
	s := newLeader(t, "m1")

	for seq := uint64(1); seq <= 2; seq++ {
		rep, err := ask[BatchedModificationsReply](t, s, func(r Replier) any {
			return BatchedModifications{TxID: txID(1), Seq: seq, Modifications: []datatree.Op{write("/b/"+string(rune('0'+seq)), "1")}, ReplyTo: r}
		})
		require.NoError(t, err)
		require.Equal(t, 1, rep.NumBatched)
	}

	// retransmit of batch 2 is acknowledged without being applied twice
	_, err := ask[BatchedModificationsReply](t, s, func(r Replier) any {
		return BatchedModifications{TxID: txID(1), Seq: 2, Modifications: []datatree.Op{write("/b/2", "1")}, ReplyTo: r}
	})
	require.NoError(t, err)

	_, err = ask[CommitTransactionReply](t, s, func(r Replier) any {
		return BatchedModifications{TxID: txID(1), Seq: 3, Ready: true, DoCommitOnReady: true, TotalMessagesSent: 3, ReplyTo: r}
	})
	require.NoError(t, err)

	_, ok := readTree(s, "/b/1")
	require.True(t, ok)
	_, ok = readTree(s, "/b/2")
	require.True(t, ok)
}

func TestLeader_MessageCountMismatchFailsReady(t *testing.T) {
	s := newLeader(t, "m1")

	_, err := ask[ReadyTransactionReply](t, s, func(r Replier) any {
		return BatchedModifications{TxID: txID(1), Seq: 1, Modifications: []datatree.Op{write("/a", "1")}, Ready: true, TotalMessagesSent: 2, ReplyTo: r}
	})
	require.ErrorIs(t, err, ErrMessageCount)
	var txe *TxError
	require.ErrorAs(t, err, &txe)
	require.Equal(t, KindProtocol, txe.Kind)
	require.Equal(t, txID(1), txe.TxID)
	require.Equal(t, s.Identity(), txe.Shard)
}

func TestLeader_DuplicateCommitSucceeds(t *testing.T) {
	s := newLeader(t, "m1")

	_, err := readyTx(t, s, txID(1), write("/a", "1"))
	require.NoError(t, err)
	require.NoError(t, commitAll(t, s, txID(1)))

	require.NoError(t, commit(t, s, txID(1)))
	require.NoError(t, canCommit(t, s, txID(1)))
	require.Equal(t, uint64(1), s.Stats().Committed)

	_, err = ask[CreateTransactionReply](t, s, func(r Replier) any { return CreateTransaction{TxID: txID(1), ReplyTo: r} })
	require.ErrorIs(t, err, ErrDeadTransaction)
}

func TestLeader_ValidationFailureAborts(t *testing.T) {
	cohort := &rejectingCohort{}
	s := newLeader(t, "m1", func(o *Options) {
		o.Cohorts = []CohortRegistration{{Path: datatree.MustPath("/deny"), Cohort: cohort}}
	})

	_, err := readyTx(t, s, txID(1), write("/deny/x", "1"))
	require.NoError(t, err)

	err = canCommit(t, s, txID(1))
	require.ErrorIs(t, err, ErrValidation)
	require.ErrorIs(t, err, errRejected)
	var txe *TxError
	require.ErrorAs(t, err, &txe)
	require.Equal(t, KindValidation, txe.Kind)

	// the outcome is remembered
	require.ErrorIs(t, commit(t, s, txID(1)), ErrValidation)
	require.Equal(t, uint64(1), s.Stats().Aborted)

	// unrelated paths are not vetoed
	_, err = readyTx(t, s, txID(2), write("/allow", "1"))
	require.NoError(t, err)
	require.NoError(t, commitAll(t, s, txID(2)))
}

func TestLeader_ConflictingWritesFailValidation(t *testing.T) {
	s := newLeader(t, "m1")

	_, err := ask[CreateTransactionReply](t, s, func(r Replier) any { return CreateTransaction{TxID: txID(1), ReplyTo: r} })
	require.NoError(t, err)
	_, err = ask[CreateTransactionReply](t, s, func(r Replier) any { return CreateTransaction{TxID: txID(2), ReplyTo: r} })
	require.NoError(t, err)

	_, err = readyTx(t, s, txID(1), write("/a", "1"))
	require.NoError(t, err)
	_, err = readyTx(t, s, txID(2), write("/a", "2"))
	require.NoError(t, err)

	require.NoError(t, commitAll(t, s, txID(1)))
	var conflict *datatree.ConflictError
	require.ErrorAs(t, canCommit(t, s, txID(2)), &conflict)

	v, _ := readTree(s, "/a")
	require.Equal(t, "1", v)
}

func TestLeader_ReadYourWritesAndSnapshotReads(t *testing.T) {
	s := newLeader(t, "m1")

	_, err := ask[BatchedModificationsReply](t, s, func(r Replier) any {
		return BatchedModifications{TxID: txID(1), Seq: 1, Modifications: []datatree.Op{write("/a", "1")}, ReplyTo: r}
	})
	require.NoError(t, err)

	read := func(id TransactionIdentifier) ReadDataReply {
		rep, err := ask[ReadDataReply](t, s, func(r Replier) any { return ReadData{TxID: id, Path: datatree.MustPath("/a"), ReplyTo: r} })
		require.NoError(t, err)
		return rep
	}
	in := read(txID(1))
	require.True(t, in.Exists)
	require.Equal(t, "1", string(in.Value))

	outside := read(txID(99))
	require.False(t, outside.Exists)
}

func TestLeader_AbortIsIdempotent(t *testing.T) {
	s := newLeader(t, "m1")

	_, err := readyTx(t, s, txID(1), write("/a", "1"))
	require.NoError(t, err)

	for range 2 {
		_, err := ask[AbortTransactionReply](t, s, func(r Replier) any { return AbortTransaction{TxID: txID(1), ReplyTo: r} })
		require.NoError(t, err)
	}
	require.ErrorIs(t, canCommit(t, s, txID(1)), ErrAborted)

	_, err = ask[AbortTransactionReply](t, s, func(r Replier) any { return AbortTransaction{TxID: txID(42), ReplyTo: r} })
	require.NoError(t, err)

	_, ok := readTree(s, "/a")
	require.False(t, ok)
}

func TestLeader_AbortWhileCommittingIsRefused(t *testing.T) {
	repl := NewLocalReplicator(nil, nil)
	s := newLeader(t, "m1", func(o *Options) { o.Replicator = repl })
	repl.SetTarget(s)
	repl.Hold()

	_, err := readyTx(t, s, txID(1), write("/a", "1"))
	require.NoError(t, err)
	require.NoError(t, canCommit(t, s, txID(1)))
	require.NoError(t, preCommit(t, s, txID(1)))

	f := &failures{}
	tell(t, s, CommitTransaction{TxID: txID(1), ReplyTo: f})

	_, err = ask[AbortTransactionReply](t, s, func(r Replier) any { return AbortTransaction{TxID: txID(1), ReplyTo: r} })
	require.ErrorIs(t, err, ErrCommitInProgress)

	repl.Release()
	require.Eventually(t, func() bool { return len(f.replies()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, CommitTransactionReply{TxID: txID(1)}, f.replies()[0])
}

func TestLeader_QueueCapacity(t *testing.T) {
	s := newLeader(t, "m1", func(o *Options) { o.CommitQueueCapacity = 1 })

	_, err := readyTx(t, s, txID(1), write("/a", "1"))
	require.NoError(t, err)

	_, err = readyTx(t, s, txID(2), write("/b", "1"))
	require.ErrorIs(t, err, ErrQueueFull)

	require.NoError(t, commitAll(t, s, txID(1)))
	_, err = readyTx(t, s, txID(3), write("/b", "1"))
	require.NoError(t, err)
}

func TestLeader_OnlyQueueHeadRuns(t *testing.T) {
	s := newLeader(t, "m1")

	_, err := readyTx(t, s, txID(1), write("/a", "1"))
	require.NoError(t, err)
	_, err = readyTx(t, s, txID(2), write("/b", "1"))
	require.NoError(t, err)

	f := &failures{}
	tell(t, s, CommitTransaction{TxID: txID(2), ReplyTo: f})
	require.Never(t, func() bool { return len(f.replies()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, commitAll(t, s, txID(1)))
	require.Eventually(t, func() bool { return len(f.replies()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, CommitTransactionReply{TxID: txID(2)}, f.replies()[0])
}

func TestLeader_IdleHeadEntryIsEvicted(t *testing.T) {
	clk := newClock()
	s := newLeader(t, "m1", func(o *Options) {
		o.Now = clk.Now
		o.TransactionCommitTimeout = time.Second
		o.CommitQueueExpiry = time.Hour
	})

	_, err := readyTx(t, s, txID(1), write("/a", "1"))
	require.NoError(t, err)
	_, err = readyTx(t, s, txID(2), write("/b", "1"))
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	tell(t, s, CheckCommitTimeouts{})

	err = canCommit(t, s, txID(1))
	require.ErrorIs(t, err, ErrTimeout)
	var txe *TxError
	require.ErrorAs(t, err, &txe)
	require.Equal(t, KindTimeout, txe.Kind)

	// the second entry was touched recently enough and moves up
	require.NoError(t, commitAll(t, s, txID(2)))
	_, ok := readTree(s, "/a")
	require.False(t, ok)
}

func TestLeader_QueuedEntriesExpire(t *testing.T) {
	clk := newClock()
	s := newLeader(t, "m1", func(o *Options) {
		o.Now = clk.Now
		o.TransactionCommitTimeout = time.Hour
		o.CommitQueueExpiry = time.Minute
	})

	_, err := readyTx(t, s, txID(1), write("/a", "1"))
	require.NoError(t, err)
	_, err = ask[BatchedModificationsReply](t, s, func(r Replier) any {
		return BatchedModifications{TxID: txID(2), Seq: 1, Modifications: []datatree.Op{write("/b", "1")}, ReplyTo: r}
	})
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	tell(t, s, CheckCommitTimeouts{})

	require.ErrorIs(t, canCommit(t, s, txID(1)), ErrTimeout)
	_, err = ask[CreateTransactionReply](t, s, func(r Replier) any { return CreateTransaction{TxID: txID(2), ReplyTo: r} })
	require.ErrorIs(t, err, ErrDeadTransaction)
	require.Equal(t, 0, s.Stats().OpenTransactions)
}

func TestChain_BuildsOnPreviousReadyTransaction(t *testing.T) {
	s := newLeader(t, "m1")

	_, err := readyTx(t, s, chainTxID(1, 1), write("/a", "1"))
	require.NoError(t, err)

	// T2 sees T1's uncommitted write
	rep, err := ask[ReadDataReply](t, s, func(r Replier) any {
		return ReadData{TxID: chainTxID(1, 2), Path: datatree.MustPath("/a"), ReplyTo: r}
	})
	require.NoError(t, err)
	require.False(t, rep.Exists, "T2 is not open yet")

	_, err = ask[BatchedModificationsReply](t, s, func(r Replier) any {
		return BatchedModifications{TxID: chainTxID(1, 2), Seq: 1, Modifications: []datatree.Op{write("/b", "2")}, ReplyTo: r}
	})
	require.NoError(t, err)
	rep, err = ask[ReadDataReply](t, s, func(r Replier) any {
		return ReadData{TxID: chainTxID(1, 2), Path: datatree.MustPath("/a"), ReplyTo: r}
	})
	require.NoError(t, err)
	require.True(t, rep.Exists)

	_, err = ask[ReadyTransactionReply](t, s, func(r Replier) any {
		return BatchedModifications{TxID: chainTxID(1, 2), Seq: 2, Ready: true, TotalMessagesSent: 2, ReplyTo: r}
	})
	require.NoError(t, err)

	require.NoError(t, commitAll(t, s, chainTxID(1, 1)))
	require.NoError(t, commitAll(t, s, chainTxID(1, 2)))
	_, ok := readTree(s, "/b")
	require.True(t, ok)
}

func TestChain_PreviousMustBeReady(t *testing.T) {
	s := newLeader(t, "m1")

	_, err := ask[CreateTransactionReply](t, s, func(r Replier) any { return CreateTransaction{TxID: chainTxID(1, 1), ReplyTo: r} })
	require.NoError(t, err)
	_, err = ask[CreateTransactionReply](t, s, func(r Replier) any { return CreateTransaction{TxID: chainTxID(1, 2), ReplyTo: r} })
	require.ErrorIs(t, err, ErrPreviousNotReady)
}

func TestChain_FailedLinkBreaksChain(t *testing.T) {
	s := newLeader(t, "m1", func(o *Options) {
		o.Cohorts = []CohortRegistration{{Path: datatree.MustPath("/deny"), Cohort: &rejectingCohort{}}}
	})

	_, err := readyTx(t, s, chainTxID(1, 1), write("/deny/x", "1"))
	require.NoError(t, err)
	_, err = readyTx(t, s, chainTxID(1, 2), write("/ok", "1"))
	require.NoError(t, err)

	require.ErrorIs(t, commitAll(t, s, chainTxID(1, 1)), ErrValidation)

	err = commitAll(t, s, chainTxID(1, 2))
	require.ErrorIs(t, err, ErrChainBroken)
	var txe *TxError
	require.ErrorAs(t, err, &txe)
	require.Equal(t, KindChainBroken, txe.Kind)

	_, err = ask[CreateTransactionReply](t, s, func(r Replier) any { return CreateTransaction{TxID: chainTxID(1, 3), ReplyTo: r} })
	require.ErrorIs(t, err, ErrChainBroken)

	_, ok := readTree(s, "/ok")
	require.False(t, ok)

	// other histories are unaffected
	_, err = readyTx(t, s, chainTxID(2, 1), write("/ok", "1"))
	require.NoError(t, err)
	require.NoError(t, commitAll(t, s, chainTxID(2, 1)))
}

func TestChain_Close(t *testing.T) {
	s := newLeader(t, "m1")

	_, err := readyTx(t, s, chainTxID(1, 1), write("/a", "1"))
	require.NoError(t, err)
	require.NoError(t, commitAll(t, s, chainTxID(1, 1)))

	h := HistoryIdentifier{Frontend: frontend, History: 1}
	_, err = ask[CloseTransactionChainReply](t, s, func(r Replier) any { return CloseTransactionChain{History: h, ReplyTo: r} })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := ask[CreateTransactionReply](t, s, func(r Replier) any { return CreateTransaction{TxID: chainTxID(1, 2), ReplyTo: r} })
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestIsolatedLeader_RefusesNewCommitsServesReads(t *testing.T) {
	s := newLeader(t, "m1")
	_, err := readyTx(t, s, txID(1), write("/a", "1"))
	require.NoError(t, err)
	require.NoError(t, commitAll(t, s, txID(1)))

	tell(t, s, RoleChanged{Role: IsolatedLeader})
	awaitRole(t, s, IsolatedLeader)

	rep, err := ask[ReadDataReply](t, s, func(r Replier) any { return ReadData{TxID: txID(2), Path: datatree.MustPath("/a"), ReplyTo: r} })
	require.NoError(t, err)
	require.True(t, rep.Exists)

	_, err = readyTx(t, s, txID(2), write("/b", "1"))
	require.NoError(t, err)
	require.NoError(t, canCommit(t, s, txID(2)))
	require.NoError(t, preCommit(t, s, txID(2)))

	err = commit(t, s, txID(2))
	require.ErrorIs(t, err, ErrQuorumLost)
	var txe *TxError
	require.ErrorAs(t, err, &txe)
	require.Equal(t, KindReplication, txe.Kind)

	tell(t, s, RoleChanged{Role: Leader})
	awaitRole(t, s, Leader)
	_, err = readyTx(t, s, txID(3), write("/b", "1"))
	require.NoError(t, err)
	require.NoError(t, commitAll(t, s, txID(3)))
}

func TestIsolatedLeader_HoldsReplicatingCommit(t *testing.T) {
	repl := NewLocalReplicator(nil, nil)
	s := newLeader(t, "m1", func(o *Options) { o.Replicator = repl })
	repl.SetTarget(s)
	repl.Hold()

	_, err := readyTx(t, s, txID(1), write("/a", "1"))
	require.NoError(t, err)
	require.NoError(t, canCommit(t, s, txID(1)))
	require.NoError(t, preCommit(t, s, txID(1)))
	f := &failures{}
	tell(t, s, CommitTransaction{TxID: txID(1), ReplyTo: f})

	tell(t, s, RoleChanged{Role: IsolatedLeader})
	awaitRole(t, s, IsolatedLeader)
	require.Never(t, func() bool { return len(f.replies()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	tell(t, s, RoleChanged{Role: Leader})
	repl.Release()
	require.Eventually(t, func() bool { return len(f.replies()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, CommitTransactionReply{TxID: txID(1)}, f.replies()[0])
}

func TestLeadershipLoss_FailsReplicatingCommit(t *testing.T) {
	repl := NewLocalReplicator(nil, nil)
	s := newLeader(t, "m1", func(o *Options) { o.Replicator = repl })
	repl.SetTarget(s)
	repl.Hold()

	_, err := readyTx(t, s, txID(1), write("/a", "1"))
	require.NoError(t, err)
	require.NoError(t, canCommit(t, s, txID(1)))
	require.NoError(t, preCommit(t, s, txID(1)))
	f := &failures{}
	tell(t, s, CommitTransaction{TxID: txID(1), ReplyTo: f})

	tell(t, s, RoleChanged{Role: Candidate})
	require.Eventually(t, func() bool { return len(f.errors()) == 1 }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, f.errors()[0], ErrLeadershipLost)
	require.True(t, IsRetriable(f.errors()[0]))
}

func TestLeadershipLoss_ForwardsPendingToNewLeader(t *testing.T) {
	registry := NewRegistry()
	peers := func(o *Options) { o.Peers = registry.Peers(testShard) }

	old := newLeader(t, "m1", peers)
	registry.Register(old)
	next := newTestShard(t, "m2", peers)
	registry.Register(next)
	awaitRole(t, next, Candidate)

	// T1 readied and canCommitted, T2 still open with one batch
	_, err := readyTx(t, old, txID(1), write("/a", "1"))
	require.NoError(t, err)
	require.NoError(t, canCommit(t, old, txID(1)))
	_, err = ask[BatchedModificationsReply](t, old, func(r Replier) any {
		return BatchedModifications{TxID: txID(2), Seq: 1, Modifications: []datatree.Op{write("/b", "1")}, ReplyTo: r}
	})
	require.NoError(t, err)

	tell(t, next, RoleChanged{Role: Leader})
	awaitRole(t, next, Leader)
	tell(t, old, LeaderChanged{Leader: "m2"})
	tell(t, old, RoleChanged{Role: Follower})
	awaitRole(t, old, Follower)

	// clients keep talking to the old leader, which forwards
	require.NoError(t, preCommit(t, old, txID(1)))
	require.NoError(t, commit(t, old, txID(1)))

	_, err = ask[ReadyTransactionReply](t, old, func(r Replier) any {
		return BatchedModifications{TxID: txID(2), Seq: 2, Modifications: []datatree.Op{write("/c", "1")}, Ready: true, TotalMessagesSent: 2, ReplyTo: r}
	})
	require.NoError(t, err)
	require.NoError(t, commitAll(t, old, txID(2)))

	for _, p := range []string{"/a", "/b", "/c"} {
		_, ok := readTree(next, p)
		require.True(t, ok, p)
	}
	require.Eventually(t, func() bool { return next.Stats().Committed == 2 }, time.Second, 5*time.Millisecond)
}

func TestLeadershipLoss_WithoutNewLeaderFailsPending(t *testing.T) {
	s := newLeader(t, "m1")

	_, err := readyTx(t, s, txID(1), write("/a", "1"))
	require.NoError(t, err)
	_, err = readyTx(t, s, txID(2), write("/b", "1"))
	require.NoError(t, err)
	f := &failures{}
	tell(t, s, CommitTransaction{TxID: txID(2), ReplyTo: f})

	tell(t, s, RoleChanged{Role: Candidate})
	require.Eventually(t, func() bool { return len(f.errors()) == 1 }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, f.errors()[0], ErrNotLeader)
	require.True(t, IsRetriable(f.errors()[0]))
	require.Eventually(t, func() bool { return s.Stats().QueueDepth == 0 }, time.Second, 5*time.Millisecond)
}

func TestChain_ReplicationFailureBreaksChain(t *testing.T) {
	s := newLeader(t, "m1", func(o *Options) { o.Replicator = failingReplicator{err: errors.New("disk full")} })

	_, err := readyTx(t, s, chainTxID(1, 1), write("/a", "1"))
	require.NoError(t, err)
	_, err = readyTx(t, s, chainTxID(1, 2), write("/b", "1"))
	require.NoError(t, err)

	err = commitAll(t, s, chainTxID(1, 1))
	require.ErrorIs(t, err, ErrReplication)
	var txe *TxError
	require.ErrorAs(t, err, &txe)
	require.Equal(t, KindReplication, txe.Kind)

	err = commitAll(t, s, chainTxID(1, 2))
	require.ErrorIs(t, err, ErrChainBroken)
	require.ErrorAs(t, err, &txe)
	require.Equal(t, KindChainBroken, txe.Kind)

	_, ok := readTree(s, "/b")
	require.False(t, ok)
}

func TestLeadershipLoss_ChainSuccessorOfReplicatingCommitIsNotForwarded(t *testing.T) {
	registry := NewRegistry()
	repl := NewLocalReplicator(nil, nil)
	t.Cleanup(func() { _ = repl.Close() })

	old := newLeader(t, "m1", func(o *Options) {
		o.Peers = registry.Peers(testShard)
		o.Replicator = repl
	})
	repl.SetTarget(old)
	repl.Hold()
	registry.Register(old)
	next := newTestShard(t, "m2", func(o *Options) { o.Peers = registry.Peers(testShard) })
	registry.Register(next)
	awaitRole(t, next, Candidate)

	// T1 replicating, T2 readied behind it, T3 open on the same chain
	_, err := readyTx(t, old, chainTxID(1, 1), write("/a", "1"))
	require.NoError(t, err)
	require.NoError(t, canCommit(t, old, chainTxID(1, 1)))
	require.NoError(t, preCommit(t, old, chainTxID(1, 1)))
	f1 := &failures{}
	tell(t, old, CommitTransaction{TxID: chainTxID(1, 1), ReplyTo: f1})

	_, err = readyTx(t, old, chainTxID(1, 2), write("/b", "1"))
	require.NoError(t, err)
	f2 := &failures{}
	tell(t, old, CanCommitTransaction{TxID: chainTxID(1, 2), ReplyTo: f2})

	_, err = ask[BatchedModificationsReply](t, old, func(r Replier) any {
		return BatchedModifications{TxID: chainTxID(1, 3), Seq: 1, Modifications: []datatree.Op{write("/c", "1")}, ReplyTo: r}
	})
	require.NoError(t, err)

	// a plain transaction still moves over
	_, err = readyTx(t, old, txID(9), write("/d", "1"))
	require.NoError(t, err)

	tell(t, next, RoleChanged{Role: Leader})
	awaitRole(t, next, Leader)
	tell(t, old, LeaderChanged{Leader: "m2"})
	tell(t, old, RoleChanged{Role: Follower})
	awaitRole(t, old, Follower)

	require.Eventually(t, func() bool { return len(f1.errors()) == 1 && len(f2.errors()) == 1 }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, f1.errors()[0], ErrLeadershipLost)
	require.ErrorIs(t, f2.errors()[0], ErrChainBroken)
	var txe *TxError
	require.ErrorAs(t, f2.errors()[0], &txe)
	require.Equal(t, KindChainBroken, txe.Kind)

	require.NoError(t, commitAll(t, old, txID(9)))
	_, ok := readTree(next, "/d")
	require.True(t, ok)

	for _, p := range []string{"/b", "/c"} {
		_, ok := readTree(next, p)
		require.False(t, ok, p)
	}
	require.Eventually(t, func() bool { return next.Stats().Committed == 1 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return next.Stats().Committed > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestLeadershipLoss_ForwardedEntryReleasesExternalCohorts(t *testing.T) {
	registry := NewRegistry()
	cohort := &recordingCohort{}
	old := newLeader(t, "m1", func(o *Options) {
		o.Peers = registry.Peers(testShard)
		o.Cohorts = []CohortRegistration{{Path: datatree.MustPath("/ext"), Cohort: cohort}}
	})
	registry.Register(old)
	next := newTestShard(t, "m2", func(o *Options) { o.Peers = registry.Peers(testShard) })
	registry.Register(next)
	awaitRole(t, next, Candidate)

	_, err := readyTx(t, old, chainTxID(1, 1), write("/ext/x", "1"))
	require.NoError(t, err)
	require.NoError(t, canCommit(t, old, chainTxID(1, 1)))
	_, err = readyTx(t, old, chainTxID(1, 2), write("/y", "1"))
	require.NoError(t, err)

	tell(t, next, RoleChanged{Role: Leader})
	awaitRole(t, next, Leader)
	tell(t, old, LeaderChanged{Leader: "m2"})
	tell(t, old, RoleChanged{Role: Follower})
	awaitRole(t, old, Follower)

	require.Eventually(t, func() bool { return len(cohort.abortedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, chainTxID(1, 1), cohort.abortedIDs()[0])

	// the chain itself moved intact
	require.NoError(t, preCommit(t, old, chainTxID(1, 1)))
	require.NoError(t, commit(t, old, chainTxID(1, 1)))
	require.NoError(t, commitAll(t, old, chainTxID(1, 2)))
	for _, p := range []string{"/ext/x", "/y"} {
		_, ok := readTree(next, p)
		require.True(t, ok, p)
	}
}
