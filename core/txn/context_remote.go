package txn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/shardtx/core/datatree"
	"github.com/codewandler/shardtx/core/shard"
)

// remoteContext sends a transaction's operations to the leader of its
// shard. Modifications are buffered and sent in batches of batchSize;
// reads and ready flush the buffer first so the leader sees operations in
// the order they were issued.
type remoteContext struct {
	ctx       context.Context
	id        shard.TransactionIdentifier
	ref       shard.Ref
	limiter   *OperationLimiter
	batchSize int
	timeout   time.Duration
	commitTTL time.Duration
	log       *slog.Logger

	// owned by the serializing wrapper
	pending []datatree.Op
	seq     uint64

	mu  sync.Mutex
	err error
}

type remoteContextOptions struct {
	ctx           context.Context
	batchSize     int
	timeout       time.Duration
	commitTimeout time.Duration
	log           *slog.Logger
}

func newRemoteContext(id shard.TransactionIdentifier, ref shard.Ref, limiter *OperationLimiter, o remoteContextOptions) *remoteContext {
	return &remoteContext{
		ctx:       o.ctx,
		id:        id,
		ref:       ref,
		limiter:   limiter,
		batchSize: o.batchSize,
		timeout:   o.timeout,
		commitTTL: o.commitTimeout,
		log:       o.log.With(slog.String("tx", id.String()), slog.String("leader", ref.Identity().String())),
	}
}

func (c *remoteContext) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// fail records the first failure; every later operation fails with it.
func (c *remoteContext) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
		c.log.Debug("transaction failed", slog.Any("error", err))
	}
}

// dropPending releases the permits of buffered modifications that will
// never be sent.
func (c *remoteContext) dropPending() {
	c.limiter.ReleaseN(len(c.pending))
	c.pending = nil
}

func (c *remoteContext) send(msg any) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	if err := c.ref.Tell(ctx, msg); err != nil {
		return fmt.Errorf("send %T to %s: %w", msg, c.ref.Identity(), err)
	}
	return nil
}

func (c *remoteContext) Modify(op datatree.Op) {
	if c.failure() != nil {
		c.dropPending()
		c.limiter.Release()
		return
	}
	c.pending = append(c.pending, op)
	if len(c.pending) >= c.batchSize {
		c.flush()
	}
}

func (c *remoteContext) flush() {
	if len(c.pending) == 0 {
		return
	}
	ops := c.pending
	c.pending = nil
	c.seq++
	n := len(ops)
	msg := shard.BatchedModifications{
		TxID:          c.id,
		Seq:           c.seq,
		Modifications: ops,
		ReplyTo: shard.ReplyFunc(func(m any) {
			c.limiter.ReleaseN(n)
			if f, ok := m.(shard.Failure); ok {
				c.fail(f.Err)
			}
		}),
	}
	if err := c.send(msg); err != nil {
		c.limiter.ReleaseN(n)
		c.fail(err)
	}
}

func (c *remoteContext) Read(path datatree.Path, result *Future[ReadResult]) {
	if err := c.failure(); err != nil {
		c.dropPending()
		c.limiter.Release()
		result.fail(err)
		return
	}
	c.flush()
	msg := shard.ReadData{
		TxID: c.id,
		Path: path,
		ReplyTo: shard.ReplyFunc(func(m any) {
			c.limiter.Release()
			switch m := m.(type) {
			case shard.ReadDataReply:
				result.complete(ReadResult{Value: m.Value, Exists: m.Exists}, nil)
			case shard.Failure:
				result.fail(m.Err)
			default:
				result.fail(fmt.Errorf("unexpected reply %T to read", m))
			}
		}),
	}
	if err := c.send(msg); err != nil {
		c.limiter.Release()
		result.fail(err)
	}
}

func (c *remoteContext) Ready(commitOnReady bool, result *Future[ReadyResult]) {
	if err := c.failure(); err != nil {
		c.dropPending()
		c.limiter.Release()
		result.fail(err)
		return
	}
	ops := c.pending
	c.pending = nil
	c.seq++
	n := len(ops) + 1
	msg := shard.BatchedModifications{
		TxID:              c.id,
		Seq:               c.seq,
		Modifications:     ops,
		Ready:             true,
		DoCommitOnReady:   commitOnReady,
		TotalMessagesSent: c.seq,
		ReplyTo: shard.ReplyFunc(func(m any) {
			c.limiter.ReleaseN(n)
			switch m := m.(type) {
			case shard.ReadyTransactionReply:
				result.complete(ReadyResult{Cohort: c.cohort(m.Cohort, m.Ref)}, nil)
			case shard.CommitTransactionReply:
				result.complete(ReadyResult{Cohort: c.cohort(c.ref.Identity(), nil), Committed: true}, nil)
			case shard.Failure:
				c.fail(m.Err)
				result.fail(m.Err)
			default:
				result.fail(fmt.Errorf("unexpected reply %T to ready", m))
			}
		}),
	}
	if err := c.send(msg); err != nil {
		c.limiter.ReleaseN(n)
		c.fail(err)
		result.fail(err)
	}
}

func (c *remoteContext) cohort(id shard.ShardIdentity, ref shard.Ref) *CohortProxy {
	if ref == nil {
		ref = c.ref
	}
	return newCohortProxy(c.id, id, ref, c.commitTTL)
}

func (c *remoteContext) Close() {
	c.dropPending()
	if err := c.send(shard.CloseTransaction{TxID: c.id, ReplyTo: shard.NoReply}); err != nil {
		c.log.Debug("close not delivered", slog.Any("error", err))
	}
}

var _ TransactionContext = (*remoteContext)(nil)
