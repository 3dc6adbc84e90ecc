package shard

import (
	"errors"
	"fmt"
)

var (
	ErrNotLeader             = errors.New("not leader")
	ErrNotStarted            = errors.New("shard not started")
	ErrStopped               = errors.New("shard stopped")
	ErrTimeout               = errors.New("timed out")
	ErrValidation            = errors.New("validation failed")
	ErrChainBroken           = errors.New("transaction chain broken")
	ErrChainClosed           = errors.New("transaction chain closed")
	ErrPreviousNotReady      = errors.New("previous transaction in chain not ready")
	ErrQuorumLost            = errors.New("quorum lost")
	ErrLeadershipLost        = errors.New("leadership lost while committing")
	ErrReplication           = errors.New("replication failed")
	ErrQueueFull             = errors.New("commit queue full")
	ErrUnknownTransaction    = errors.New("unknown transaction")
	ErrNotCurrentTransaction = errors.New("not the current transaction")
	ErrDeadTransaction       = errors.New("transaction already completed")
	ErrMessageCount          = errors.New("batched message count mismatch")
	ErrAborted               = errors.New("transaction aborted")
	ErrCommitInProgress      = errors.New("commit already in progress")
	ErrUnexpectedPhase       = errors.New("unexpected commit phase")
	ErrIllegalTransition     = errors.New("illegal role transition")
	ErrStashFull             = errors.New("stash full")
	ErrSnapshotRejected      = errors.New("snapshot rejected")
	ErrReplicatorClosed      = errors.New("replicator closed")
)

// ErrorKind classifies failures reported to callers.
type ErrorKind uint8

const (
	KindRole ErrorKind = iota + 1
	KindValidation
	KindTimeout
	KindChainBroken
	KindReplication
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindRole:
		return "role"
	case KindValidation:
		return "validation"
	case KindTimeout:
		return "timeout"
	case KindChainBroken:
		return "chain-broken"
	case KindReplication:
		return "replication"
	case KindProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// TxError is the failure of one transaction on one shard.
type TxError struct {
	Kind  ErrorKind
	TxID  TransactionIdentifier
	Shard ShardIdentity
	Cause error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("transaction %s on shard %s: %s: %v", e.TxID, e.Shard, e.Kind, e.Cause)
}

func (e *TxError) Unwrap() error { return e.Cause }

func txError(kind ErrorKind, id TransactionIdentifier, shard ShardIdentity, cause error) *TxError {
	return &TxError{Kind: kind, TxID: id, Shard: shard, Cause: cause}
}

// NotLeaderError is returned by replicas that cannot serve a request.
// Callers re-resolve the leader and retry.
type NotLeaderError struct {
	Shard  ShardIdentity
	Leader string
	Reason string
}

func (e *NotLeaderError) Error() string {
	if e.Leader != "" {
		return fmt.Sprintf("shard %s is not the leader (leader is %s): %s", e.Shard, e.Leader, e.Reason)
	}
	return fmt.Sprintf("shard %s is not the leader: %s", e.Shard, e.Reason)
}

func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }

// IsRetriable reports whether err is a role error that a client should
// answer by re-resolving the leader.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrNotLeader) || errors.Is(err, ErrNotStarted) || errors.Is(err, ErrLeadershipLost)
}

// errorCodes maps sentinel errors to stable names for the wire. Order
// matters: the first match wins.
var errorCodes = []struct {
	code string
	err  error
}{
	{"chain-broken", ErrChainBroken},
	{"not-leader", ErrNotLeader},
	{"not-started", ErrNotStarted},
	{"stopped", ErrStopped},
	{"timeout", ErrTimeout},
	{"validation", ErrValidation},
	{"chain-closed", ErrChainClosed},
	{"previous-not-ready", ErrPreviousNotReady},
	{"quorum-lost", ErrQuorumLost},
	{"leadership-lost", ErrLeadershipLost},
	{"replication", ErrReplication},
	{"queue-full", ErrQueueFull},
	{"unknown-transaction", ErrUnknownTransaction},
	{"not-current", ErrNotCurrentTransaction},
	{"dead-transaction", ErrDeadTransaction},
	{"message-count", ErrMessageCount},
	{"aborted", ErrAborted},
	{"commit-in-progress", ErrCommitInProgress},
	{"unexpected-phase", ErrUnexpectedPhase},
	{"stash-full", ErrStashFull},
	{"snapshot-rejected", ErrSnapshotRejected},
}

// ErrorInfo is the transport form of a failure.
type ErrorInfo struct {
	Kind    ErrorKind             `json:"kind,omitempty"`
	Code    string                `json:"code,omitempty"`
	TxID    TransactionIdentifier `json:"tx_id"`
	Shard   ShardIdentity         `json:"shard"`
	Leader  string                `json:"leader,omitempty"`
	Message string                `json:"message"`
}

// EncodeError flattens err for the wire.
func EncodeError(err error) ErrorInfo {
	info := ErrorInfo{Message: err.Error()}
	var txe *TxError
	if errors.As(err, &txe) {
		info.Kind, info.TxID, info.Shard = txe.Kind, txe.TxID, txe.Shard
	}
	var nle *NotLeaderError
	if errors.As(err, &nle) {
		info.Kind, info.Shard, info.Leader = KindRole, nle.Shard, nle.Leader
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			info.Code = c.code
			break
		}
	}
	return info
}

// DecodeError rebuilds an error that supports errors.Is against the
// package sentinels.
func DecodeError(info ErrorInfo) error {
	cause := errors.New(info.Message)
	for _, c := range errorCodes {
		if c.code == info.Code {
			cause = fmt.Errorf("%w: %s", c.err, info.Message)
			break
		}
	}
	if info.Code == "not-leader" {
		return &NotLeaderError{Shard: info.Shard, Leader: info.Leader, Reason: info.Message}
	}
	if info.Kind != 0 {
		return &TxError{Kind: info.Kind, TxID: info.TxID, Shard: info.Shard, Cause: cause}
	}
	return cause
}
