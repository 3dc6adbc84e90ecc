package shard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardtx/core/datatree"
)

const testShard = "default"

func newTestShard(t *testing.T, member string, configure ...func(*Options)) *Shard {
	t.Helper()
	o := Options{
		Identity:             NewShardIdentity(member, testShard),
		TimeoutCheckInterval: -1,
	}
	for _, fn := range configure {
		fn(&o)
	}
	s := New(o)
	t.Cleanup(s.Stop)
	require.NoError(t, s.Start(t.Context()))
	return s
}

// newLeader starts a shard and elects it.
func newLeader(t *testing.T, member string, configure ...func(*Options)) *Shard {
	t.Helper()
	s := newTestShard(t, member, configure...)
	awaitRole(t, s, Candidate)
	tell(t, s, RoleChanged{Role: Leader})
	awaitRole(t, s, Leader)
	return s
}

func tell(t *testing.T, ref Ref, msg any) {
	t.Helper()
	require.NoError(t, ref.Tell(t.Context(), msg))
}

func awaitRole(t *testing.T, s *Shard, want RoleKind) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Role() == want }, 2*time.Second, 5*time.Millisecond, "role %s, want %s", s.Role(), want)
}

func ask[T any](t *testing.T, ref Ref, build func(Replier) any) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	return AskAs[T](ctx, ref, build)
}

var frontend = FrontendIdentifier("fe-test")

func txID(seq uint64) TransactionIdentifier {
	return NewTransactionIdentifier(HistoryIdentifier{Frontend: frontend}, seq)
}

func chainTxID(history, seq uint64) TransactionIdentifier {
	return NewTransactionIdentifier(HistoryIdentifier{Frontend: frontend, History: history}, seq)
}

func write(path, value string) datatree.Op {
	return datatree.Op{Type: datatree.ModWrite, Path: datatree.MustPath(path), Value: []byte(value)}
}

func readyTx(t *testing.T, ref Ref, id TransactionIdentifier, ops ...datatree.Op) (ReadyTransactionReply, error) {
	t.Helper()
	return ask[ReadyTransactionReply](t, ref, func(r Replier) any {
		return BatchedModifications{TxID: id, Seq: 1, Modifications: ops, Ready: true, TotalMessagesSent: 1, ReplyTo: r}
	})
}

func canCommit(t *testing.T, ref Ref, id TransactionIdentifier) error {
	t.Helper()
	_, err := ask[CanCommitTransactionReply](t, ref, func(r Replier) any { return CanCommitTransaction{TxID: id, ReplyTo: r} })
	return err
}

func preCommit(t *testing.T, ref Ref, id TransactionIdentifier) error {
	t.Helper()
	_, err := ask[PreCommitTransactionReply](t, ref, func(r Replier) any { return PreCommitTransaction{TxID: id, ReplyTo: r} })
	return err
}

func commit(t *testing.T, ref Ref, id TransactionIdentifier) error {
	t.Helper()
	_, err := ask[CommitTransactionReply](t, ref, func(r Replier) any { return CommitTransaction{TxID: id, ReplyTo: r} })
	return err
}

// commitAll runs the full three-phase commit of id.
func commitAll(t *testing.T, ref Ref, id TransactionIdentifier) error {
	t.Helper()
	if err := canCommit(t, ref, id); err != nil {
		return err
	}
	if err := preCommit(t, ref, id); err != nil {
		return err
	}
	return commit(t, ref, id)
}

func readTree(s *Shard, path string) (string, bool) {
	v, ok := s.Tree().Snapshot().Read(datatree.MustPath(path))
	return string(v), ok
}

func commitEntry(t *testing.T, index uint64, id TransactionIdentifier, path, value string) LogEntry {
	t.Helper()
	b, err := EncodePayload(Payload{
		Kind: PayloadCommit,
		TxID: id,
		Changes: []datatree.Change{
			{Path: datatree.MustPath(path), After: []byte(value), Exists: true},
		},
	})
	require.NoError(t, err)
	return LogEntry{Index: index, Payload: b}
}

// recorder is a Ref that keeps every message it is told.
type recorder struct {
	id   ShardIdentity
	mu   sync.Mutex
	msgs []any
}

func newRecorder(member string) *recorder {
	return &recorder{id: NewShardIdentity(member, testShard)}
}

func (r *recorder) Tell(_ context.Context, msg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) Identity() ShardIdentity { return r.id }

func (r *recorder) messages() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.msgs...)
}

func peersOf(refs ...Ref) func(*Options) {
	return func(o *Options) {
		o.Peers = func(member string) (Ref, bool) {
			for _, r := range refs {
				if r.Identity().Member == member {
					return r, true
				}
			}
			return nil, false
		}
	}
}

// failures collects Failure replies sent to it.
type failures struct {
	mu   sync.Mutex
	errs []error
	all  []any
}

func (f *failures) Reply(msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all = append(f.all, msg)
	if fl, ok := msg.(Failure); ok {
		f.errs = append(f.errs, fl.Err)
	}
}

func (f *failures) errors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}

func (f *failures) replies() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.all...)
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// rejectingCohort vetoes every transaction touching its subtree.
type rejectingCohort struct {
	mu      sync.Mutex
	aborted []TransactionIdentifier
}

func (c *rejectingCohort) CanCommit(context.Context, TransactionIdentifier, []datatree.Op) error {
	return errRejected
}

func (c *rejectingCohort) PreCommit(context.Context, TransactionIdentifier, *datatree.Candidate) error {
	return nil
}

func (c *rejectingCohort) Commit(context.Context, TransactionIdentifier) error { return nil }

func (c *rejectingCohort) Abort(_ context.Context, id TransactionIdentifier) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = append(c.aborted, id)
	return nil
}

var errRejected = &rejectError{}

type rejectError struct{}

func (*rejectError) Error() string { return "rejected by cohort" }

// listener records committed candidates.
type listener struct {
	mu        sync.Mutex
	committed []TransactionIdentifier
}

func (l *listener) OnCommitted(id TransactionIdentifier, _ *datatree.Candidate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.committed = append(l.committed, id)
}

func (l *listener) ids() []TransactionIdentifier {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TransactionIdentifier(nil), l.committed...)
}

// recordingCohort accepts every transaction and records the aborts it sees.
type recordingCohort struct {
	mu      sync.Mutex
	aborted []TransactionIdentifier
}

func (c *recordingCohort) CanCommit(context.Context, TransactionIdentifier, []datatree.Op) error {
	return nil
}

func (c *recordingCohort) PreCommit(context.Context, TransactionIdentifier, *datatree.Candidate) error {
	return nil
}

func (c *recordingCohort) Commit(context.Context, TransactionIdentifier) error { return nil }

func (c *recordingCohort) Abort(_ context.Context, id TransactionIdentifier) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = append(c.aborted, id)
	return nil
}

func (c *recordingCohort) abortedIDs() []TransactionIdentifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TransactionIdentifier(nil), c.aborted...)
}

// failingReplicator rejects every payload.
type failingReplicator struct{ err error }

func (r failingReplicator) Replicate(context.Context, TransactionIdentifier, []byte) error {
	return r.err
}
