package txn

import (
	"github.com/codewandler/shardtx/core/datatree"
)

// TransactionOperation is work on a transaction, run once the context of
// the shard that owns the transaction is known.
type TransactionOperation func(tc TransactionContext)

// ReadResult is the outcome of a read inside a transaction.
type ReadResult struct {
	Value  []byte
	Exists bool
}

// ReadyResult is the outcome of readying a transaction on one shard.
// Committed is set when the shard committed it right away.
type ReadyResult struct {
	Cohort    *CohortProxy
	Committed bool
}

// TransactionContext executes the operations of one transaction against
// the shard that owns it. Calls are serialized by the owning wrapper, each
// one consuming a permit taken from the wrapper's limiter. Implementations
// release that permit once the operation is acknowledged or failed and
// never block on replies.
type TransactionContext interface {
	Modify(op datatree.Op)
	Read(path datatree.Path, result *Future[ReadResult])
	Ready(commitOnReady bool, result *Future[ReadyResult])
	// Close discards a transaction that was not readied.
	Close()
}

// noOpContext stands in for a transaction whose shard could not be
// resolved. Every operation fails with err.
type noOpContext struct {
	err     error
	limiter *OperationLimiter
}

func newNoOpContext(err error, limiter *OperationLimiter) *noOpContext {
	return &noOpContext{err: err, limiter: limiter}
}

func (c *noOpContext) Modify(datatree.Op) { c.limiter.Release() }

func (c *noOpContext) Read(_ datatree.Path, result *Future[ReadResult]) {
	c.limiter.Release()
	result.fail(c.err)
}

func (c *noOpContext) Ready(_ bool, result *Future[ReadyResult]) {
	c.limiter.Release()
	result.fail(c.err)
}

func (c *noOpContext) Close() {}

var _ TransactionContext = (*noOpContext)(nil)
