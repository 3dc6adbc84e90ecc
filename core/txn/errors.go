package txn

import "errors"

var (
	ErrTransactionReady  = errors.New("transaction already readied")
	ErrTransactionClosed = errors.New("transaction closed")
	ErrChainClosed       = errors.New("transaction chain closed")
	ErrNoReplica         = errors.New("no replica for shard")
	ErrCommitRejected    = errors.New("commit rejected by cohort")
	ErrTooManyPermits    = errors.New("more permits requested than the limiter holds")
	ErrClientClosed      = errors.New("client closed")
)
