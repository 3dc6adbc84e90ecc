package shard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(Inactive, Starting))
	require.True(t, CanTransition(Starting, Candidate))
	require.True(t, CanTransition(Candidate, PreLeader))
	require.True(t, CanTransition(PreLeader, Leader))
	require.True(t, CanTransition(Leader, IsolatedLeader))
	require.True(t, CanTransition(IsolatedLeader, Leader))
	require.True(t, CanTransition(Follower, Follower))
	require.True(t, CanTransition(PreLeader, Inactive))
	require.True(t, CanTransition(Candidate, Stopped))

	require.False(t, CanTransition(Inactive, Leader))
	require.False(t, CanTransition(Inactive, Inactive))
	require.False(t, CanTransition(Follower, Leader))
	require.False(t, CanTransition(Candidate, IsolatedLeader))
	require.False(t, CanTransition(Stopped, Starting))
	require.False(t, CanTransition(Stopped, Stopped))
}

func TestRoleKind_Text(t *testing.T) {
	b, err := IsolatedLeader.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "IsolatedLeader", string(b))

	var k RoleKind
	require.NoError(t, k.UnmarshalText([]byte("PreLeader")))
	require.Equal(t, PreLeader, k)
	require.Error(t, k.UnmarshalText([]byte("Chief")))
}

func TestShard_InactiveRejectsWithNotStarted(t *testing.T) {
	s := New(Options{Identity: NewShardIdentity("m1", testShard)})
	t.Cleanup(s.Stop)

	_, err := ask[CreateTransactionReply](t, s, func(r Replier) any { return CreateTransaction{TxID: txID(1), ReplyTo: r} })
	require.ErrorIs(t, err, ErrNotStarted)
	require.Equal(t, Inactive, s.Role())
}

func TestShard_StartWithoutJournalBecomesCandidate(t *testing.T) {
	s := newTestShard(t, "m1")
	awaitRole(t, s, Candidate)
	require.Equal(t, NewShardIdentity("m1", testShard), s.Stats().Identity)
}

func TestCandidate_RejectsCreateAndStashesTraffic(t *testing.T) {
	s := newTestShard(t, "m1")
	awaitRole(t, s, Candidate)

	_, err := ask[CreateTransactionReply](t, s, func(r Replier) any { return CreateTransaction{TxID: txID(1), ReplyTo: r} })
	require.ErrorIs(t, err, ErrNotLeader)
	var nle *NotLeaderError
	require.ErrorAs(t, err, &nle)
	require.Equal(t, s.Identity(), nle.Shard)
	require.True(t, IsRetriable(err))

	f := &failures{}
	tell(t, s, CommitTransaction{TxID: txID(1), ReplyTo: f})
	require.Eventually(t, func() bool { return s.Stats().StashDepth == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, f.replies())
}

func TestShard_IllegalTransitionIgnored(t *testing.T) {
	s := newTestShard(t, "m1")
	awaitRole(t, s, Candidate)

	tell(t, s, RoleChanged{Role: IsolatedLeader})
	_, err := ask[CreateTransactionReply](t, s, func(r Replier) any { return CreateTransaction{TxID: txID(1), ReplyTo: r} })
	require.ErrorIs(t, err, ErrNotLeader)
	require.Equal(t, Candidate, s.Role())
}

func TestFollower_StashThenForwardExactlyOnceInOrder(t *testing.T) {
	leader := newRecorder("m2")
	s := newTestShard(t, "m1", peersOf(leader))
	awaitRole(t, s, Candidate)

	tell(t, s, RoleChanged{Role: Follower})
	awaitRole(t, s, Follower)

	f := &failures{}
	stashed := []any{
		CommitTransaction{TxID: txID(1), ReplyTo: f},
		CanCommitTransaction{TxID: txID(2), ReplyTo: f},
		CommitTransaction{TxID: txID(3), ReplyTo: f},
	}
	for _, m := range stashed {
		tell(t, s, m)
	}
	require.Eventually(t, func() bool { return s.Stats().StashDepth == 3 }, time.Second, 5*time.Millisecond)
	require.Empty(t, leader.messages())

	tell(t, s, LeaderChanged{Leader: "m2"})
	require.Eventually(t, func() bool { return len(leader.messages()) == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, stashed, leader.messages())

	// once the leader is known, new traffic goes straight through
	direct := CommitTransaction{TxID: txID(4), ReplyTo: f}
	tell(t, s, direct)
	require.Eventually(t, func() bool { return len(leader.messages()) == 4 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return len(leader.messages()) > 4 }, 50*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, direct, leader.messages()[3])

	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.StashDepth == 0 && st.Forwarded == 4 && st.Leader == "m2"
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, f.replies())
}

func TestPreLeaderToFollower_ForwardsStashAndKeepsState(t *testing.T) {
	leader := newRecorder("m2")
	s := newTestShard(t, "m1", peersOf(leader))
	awaitRole(t, s, Candidate)
	tell(t, s, RoleChanged{Role: PreLeader})
	awaitRole(t, s, PreLeader)

	tell(t, s, LogEntryCommitted{Entry: commitEntry(t, 1, txID(9), "/a", "1")})

	f := &failures{}
	pending := CommitTransaction{TxID: txID(1), ReplyTo: f}
	tell(t, s, pending)
	require.Eventually(t, func() bool { return s.Stats().StashDepth == 1 }, time.Second, 5*time.Millisecond)

	tell(t, s, LeaderChanged{Leader: "m2"})
	tell(t, s, RoleChanged{Role: Follower})
	awaitRole(t, s, Follower)

	require.Eventually(t, func() bool { return len(leader.messages()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, pending, leader.messages()[0])

	v, ok := readTree(s, "/a")
	require.True(t, ok)
	require.Equal(t, "1", v)
	require.Empty(t, f.replies())
}

func TestPreLeaderToCandidate_KeepsStash(t *testing.T) {
	s := newTestShard(t, "m1")
	awaitRole(t, s, Candidate)
	tell(t, s, RoleChanged{Role: PreLeader})
	awaitRole(t, s, PreLeader)

	f := &failures{}
	tell(t, s, CommitTransaction{TxID: txID(1), ReplyTo: f})
	require.Eventually(t, func() bool { return s.Stats().StashDepth == 1 }, time.Second, 5*time.Millisecond)

	tell(t, s, RoleChanged{Role: Candidate})
	awaitRole(t, s, Candidate)

	_, err := ask[CreateTransactionReply](t, s, func(r Replier) any { return CreateTransaction{TxID: txID(2), ReplyTo: r} })
	require.ErrorIs(t, err, ErrNotLeader)
	require.Equal(t, 1, s.Stats().StashDepth)
	require.Empty(t, f.replies())

	// the stashed commit finally reaches a leader, which does not know it
	tell(t, s, RoleChanged{Role: Leader})
	require.Eventually(t, func() bool { return len(f.errors()) == 1 }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, f.errors()[0], ErrUnknownTransaction)
}

func TestFollowerToCandidate_ClearsLeaderKeepsStash(t *testing.T) {
	leader := newRecorder("m2")
	s := newTestShard(t, "m1", peersOf(leader))
	awaitRole(t, s, Candidate)

	tell(t, s, LeaderChanged{Leader: "m2"})
	tell(t, s, RoleChanged{Role: Follower})
	awaitRole(t, s, Follower)
	require.Eventually(t, func() bool { return s.Stats().Leader == "m2" }, time.Second, 5*time.Millisecond)

	tell(t, s, RoleChanged{Role: Candidate})
	awaitRole(t, s, Candidate)
	require.Eventually(t, func() bool { return s.Stats().Leader == "" }, time.Second, 5*time.Millisecond)

	f := &failures{}
	tell(t, s, CommitTransaction{TxID: txID(1), ReplyTo: f})
	require.Eventually(t, func() bool { return s.Stats().StashDepth == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, leader.messages())
	require.Empty(t, f.replies())
}

func TestStop_FailsStashedRequests(t *testing.T) {
	s := newTestShard(t, "m1")
	awaitRole(t, s, Candidate)

	f := &failures{}
	tell(t, s, CommitTransaction{TxID: txID(1), ReplyTo: f})
	tell(t, s, CanCommitTransaction{TxID: txID(2), ReplyTo: f})
	require.Eventually(t, func() bool { return s.Stats().StashDepth == 2 }, time.Second, 5*time.Millisecond)

	s.Stop()
	require.Equal(t, Stopped, s.Role())
	errs := f.errors()
	require.Len(t, errs, 2)
	for _, err := range errs {
		require.ErrorIs(t, err, ErrStopped)
	}

	// idempotent
	s.Stop()
}

func TestReset_MovesToInactiveAndRestarts(t *testing.T) {
	s := newLeader(t, "m1")

	tell(t, s, Reset{})
	awaitRole(t, s, Inactive)
	_, err := ask[CreateTransactionReply](t, s, func(r Replier) any { return CreateTransaction{TxID: txID(1), ReplyTo: r} })
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, s.Start(t.Context()))
	awaitRole(t, s, Candidate)
}

func TestStash_Capacity(t *testing.T) {
	s := newTestShard(t, "m1", func(o *Options) { o.StashCapacity = 1 })
	awaitRole(t, s, Candidate)

	f := &failures{}
	tell(t, s, CommitTransaction{TxID: txID(1), ReplyTo: f})
	tell(t, s, CommitTransaction{TxID: txID(2), ReplyTo: f})
	require.Eventually(t, func() bool { return len(f.errors()) == 1 }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, f.errors()[0], ErrStashFull)
	require.Equal(t, 1, s.Stats().StashDepth)
}
