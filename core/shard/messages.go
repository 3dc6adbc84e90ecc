package shard

import (
	"github.com/codewandler/shardtx/core/datatree"
)

// Replier receives the reply to a request. Replies are delivered from the
// shard loop and must not block.
type Replier interface {
	Reply(msg any)
}

// ReplyFunc adapts a function to Replier.
type ReplyFunc func(msg any)

func (f ReplyFunc) Reply(msg any) { f(msg) }

// NoReply discards replies.
var NoReply Replier = ReplyFunc(func(any) {})

type TransactionType uint8

const (
	ReadWrite TransactionType = iota
	ReadOnly
	WriteOnly
)

// request is implemented by every message a client sends to a shard.
type request interface {
	transactionID() TransactionIdentifier
	replier() Replier
}

func replyTo(r Replier) Replier {
	if r == nil {
		return NoReply
	}
	return r
}

// ---- client requests ----

type CreateTransaction struct {
	TxID    TransactionIdentifier `json:"tx_id"`
	Type    TransactionType       `json:"type"`
	ReplyTo Replier               `json:"-"`
}

type CreateTransactionReply struct {
	TxID   TransactionIdentifier `json:"tx_id"`
	Leader ShardIdentity         `json:"leader"`
	// Ref reaches the leader; set for in-process callers only.
	Ref Ref `json:"-"`
}

// BatchedModifications carries a batch of writes. The last batch of a
// transaction sets Ready and the total number of batches sent.
type BatchedModifications struct {
	TxID              TransactionIdentifier `json:"tx_id"`
	Seq               uint64                `json:"seq"`
	Modifications     []datatree.Op         `json:"modifications,omitempty"`
	Ready             bool                  `json:"ready,omitempty"`
	DoCommitOnReady   bool                  `json:"do_commit_on_ready,omitempty"`
	TotalMessagesSent uint64                `json:"total_messages_sent,omitempty"`
	// Batches is the number of client batches this message stands for.
	// Zero means one. Set when a former leader forwards an aggregate.
	Batches uint64  `json:"batches,omitempty"`
	ReplyTo Replier `json:"-"`
}

type BatchedModificationsReply struct {
	TxID       TransactionIdentifier `json:"tx_id"`
	Seq        uint64                `json:"seq"`
	NumBatched int                   `json:"num_batched"`
}

type ReadyTransactionReply struct {
	TxID   TransactionIdentifier `json:"tx_id"`
	Cohort ShardIdentity         `json:"cohort"`
	Ref    Ref                   `json:"-"`
}

// ReadData reads from an open transaction, or from the committed tree when
// the transaction is unknown to the shard.
type ReadData struct {
	TxID    TransactionIdentifier `json:"tx_id"`
	Path    datatree.Path         `json:"path"`
	ReplyTo Replier               `json:"-"`
}

type ReadDataReply struct {
	TxID   TransactionIdentifier `json:"tx_id"`
	Path   datatree.Path         `json:"path"`
	Value  []byte                `json:"value,omitempty"`
	Exists bool                  `json:"exists"`
}

type CanCommitTransaction struct {
	TxID    TransactionIdentifier `json:"tx_id"`
	ReplyTo Replier               `json:"-"`
}

type CanCommitTransactionReply struct {
	TxID      TransactionIdentifier `json:"tx_id"`
	CanCommit bool                  `json:"can_commit"`
}

type PreCommitTransaction struct {
	TxID    TransactionIdentifier `json:"tx_id"`
	ReplyTo Replier               `json:"-"`
}

type PreCommitTransactionReply struct {
	TxID TransactionIdentifier `json:"tx_id"`
}

type CommitTransaction struct {
	TxID    TransactionIdentifier `json:"tx_id"`
	ReplyTo Replier               `json:"-"`
}

type CommitTransactionReply struct {
	TxID TransactionIdentifier `json:"tx_id"`
}

type AbortTransaction struct {
	TxID    TransactionIdentifier `json:"tx_id"`
	ReplyTo Replier               `json:"-"`
}

type AbortTransactionReply struct {
	TxID TransactionIdentifier `json:"tx_id"`
}

// CloseTransaction discards a transaction that was never readied.
type CloseTransaction struct {
	TxID    TransactionIdentifier `json:"tx_id"`
	ReplyTo Replier               `json:"-"`
}

type CloseTransactionReply struct {
	TxID TransactionIdentifier `json:"tx_id"`
}

type CloseTransactionChain struct {
	History HistoryIdentifier `json:"history"`
	ReplyTo Replier           `json:"-"`
}

type CloseTransactionChainReply struct {
	History HistoryIdentifier `json:"history"`
}

// Failure is the reply to any request that could not be served.
type Failure struct {
	TxID TransactionIdentifier `json:"tx_id"`
	Err  error                 `json:"-"`
}

func (m CreateTransaction) transactionID() TransactionIdentifier     { return m.TxID }
func (m BatchedModifications) transactionID() TransactionIdentifier  { return m.TxID }
func (m ReadData) transactionID() TransactionIdentifier              { return m.TxID }
func (m CanCommitTransaction) transactionID() TransactionIdentifier  { return m.TxID }
func (m PreCommitTransaction) transactionID() TransactionIdentifier  { return m.TxID }
func (m CommitTransaction) transactionID() TransactionIdentifier     { return m.TxID }
func (m AbortTransaction) transactionID() TransactionIdentifier      { return m.TxID }
func (m CloseTransaction) transactionID() TransactionIdentifier      { return m.TxID }
func (m CloseTransactionChain) transactionID() TransactionIdentifier { return TransactionIdentifier{History: m.History} }

func (m CreateTransaction) replier() Replier     { return replyTo(m.ReplyTo) }
func (m BatchedModifications) replier() Replier  { return replyTo(m.ReplyTo) }
func (m ReadData) replier() Replier              { return replyTo(m.ReplyTo) }
func (m CanCommitTransaction) replier() Replier  { return replyTo(m.ReplyTo) }
func (m PreCommitTransaction) replier() Replier  { return replyTo(m.ReplyTo) }
func (m CommitTransaction) replier() Replier     { return replyTo(m.ReplyTo) }
func (m AbortTransaction) replier() Replier      { return replyTo(m.ReplyTo) }
func (m CloseTransaction) replier() Replier      { return replyTo(m.ReplyTo) }
func (m CloseTransactionChain) replier() Replier { return replyTo(m.ReplyTo) }

// TxIDOf returns the transaction a client request belongs to.
func TxIDOf(msg any) (TransactionIdentifier, bool) {
	if r, ok := msg.(request); ok {
		return r.transactionID(), true
	}
	return TransactionIdentifier{}, false
}

// ReplyToOf returns the reply target of a client request, nil when msg is
// not a request or expects no reply.
func ReplyToOf(msg any) Replier {
	switch m := msg.(type) {
	case CreateTransaction:
		return m.ReplyTo
	case BatchedModifications:
		return m.ReplyTo
	case ReadData:
		return m.ReplyTo
	case CanCommitTransaction:
		return m.ReplyTo
	case PreCommitTransaction:
		return m.ReplyTo
	case CommitTransaction:
		return m.ReplyTo
	case AbortTransaction:
		return m.ReplyTo
	case CloseTransaction:
		return m.ReplyTo
	case CloseTransactionChain:
		return m.ReplyTo
	}
	return nil
}

// WithReplyTo returns a copy of the client request msg replying to r. Other
// messages are returned unchanged.
func WithReplyTo(msg any, r Replier) any {
	switch m := msg.(type) {
	case CreateTransaction:
		m.ReplyTo = r
		return m
	case BatchedModifications:
		m.ReplyTo = r
		return m
	case ReadData:
		m.ReplyTo = r
		return m
	case CanCommitTransaction:
		m.ReplyTo = r
		return m
	case PreCommitTransaction:
		m.ReplyTo = r
		return m
	case CommitTransaction:
		m.ReplyTo = r
		return m
	case AbortTransaction:
		m.ReplyTo = r
		return m
	case CloseTransaction:
		m.ReplyTo = r
		return m
	case CloseTransactionChain:
		m.ReplyTo = r
		return m
	}
	return msg
}

// ---- replication layer notifications ----

// RoleChanged is sent by the replication layer when the local replica's
// role changes.
type RoleChanged struct {
	Role RoleKind `json:"role"`
}

// LeaderChanged carries the member currently leading the shard, "" when
// unknown.
type LeaderChanged struct {
	Leader string `json:"leader"`
}

// LogEntryCommitted reports a log entry that reached quorum, or one read
// back from the journal.
type LogEntryCommitted struct {
	Entry LogEntry `json:"entry"`
}

// ReplicationFailed reports that a payload submitted through Replicate
// will never commit.
type ReplicationFailed struct {
	TxID TransactionIdentifier `json:"tx_id"`
	Err  error                 `json:"-"`
}

// ---- administration ----

// Reset moves an active shard back to Inactive.
type Reset struct{}

// CheckCommitTimeouts triggers the idle and queue expiry check.
type CheckCommitTimeouts struct{}

type startShard struct{}
type stopShard struct{}
