package txn

import (
	"context"
	"log/slog"
	"sync"

	"github.com/codewandler/shardtx/core/shard"
)

// TransactionContextWrapper fronts the context of one transaction on one
// shard. Until the shard's leader is resolved, operations are queued in
// arrival order; SetTransactionContext replays them and later operations
// are dispatched directly. Every operation takes a limiter permit first, so
// a caller blocks once too many operations are unacknowledged.
type TransactionContextWrapper struct {
	id      shard.TransactionIdentifier
	shard   string
	limiter *OperationLimiter
	log     *slog.Logger

	mu     sync.Mutex
	tc     TransactionContext
	queue  []TransactionOperation
	ready  bool
	closed bool
}

func NewTransactionContextWrapper(id shard.TransactionIdentifier, shardName string, limiter *OperationLimiter, log *slog.Logger) *TransactionContextWrapper {
	if log == nil {
		log = slog.Default()
	}
	return &TransactionContextWrapper{
		id:      id,
		shard:   shardName,
		limiter: limiter,
		log:     log.With(slog.String("tx", id.String()), slog.String("shard", shardName)),
	}
}

func (w *TransactionContextWrapper) TransactionID() shard.TransactionIdentifier { return w.id }
func (w *TransactionContextWrapper) Shard() string                              { return w.shard }
func (w *TransactionContextWrapper) Limiter() *OperationLimiter                 { return w.limiter }

// Queued is the number of operations waiting for the context.
func (w *TransactionContextWrapper) Queued() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *TransactionContextWrapper) stateErr() error {
	switch {
	case w.closed:
		return ErrTransactionClosed
	case w.ready:
		return ErrTransactionReady
	}
	return nil
}

// MaybeExecuteTransactionOperation runs op against the context when it is
// known and queues it otherwise. It fails when no permit is available
// within the operation timeout or the transaction was readied or closed.
func (w *TransactionContextWrapper) MaybeExecuteTransactionOperation(ctx context.Context, op TransactionOperation) error {
	w.mu.Lock()
	err := w.stateErr()
	w.mu.Unlock()
	if err != nil {
		return err
	}

	if err := w.limiter.Acquire(ctx); err != nil {
		w.log.Warn("operation throttled", slog.Int("outstanding", w.limiter.Outstanding()), slog.Any("error", err))
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.stateErr(); err != nil {
		w.limiter.Release()
		return err
	}
	w.executeLocked(op)
	return nil
}

func (w *TransactionContextWrapper) executeLocked(op TransactionOperation) {
	if w.tc == nil {
		w.queue = append(w.queue, op)
		return
	}
	op(w.tc)
}

// SetTransactionContext resolves the wrapper. Queued operations run
// against tc in arrival order before any later operation. Only the first
// call has an effect.
func (w *TransactionContextWrapper) SetTransactionContext(tc TransactionContext) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tc != nil {
		w.log.Warn("transaction context already set")
		return
	}
	w.tc = tc
	queued := w.queue
	w.queue = nil
	if len(queued) > 0 {
		w.log.Debug("replaying queued operations", slog.Int("count", len(queued)))
	}
	for _, op := range queued {
		op(tc)
	}
	if w.closed {
		tc.Close()
	}
}

// ReadyTransaction seals the transaction. Buffered modifications are
// flushed and the future completes with the shard's cohort once the leader
// has the transaction queued for commit, or committed when commitOnReady
// is set. It succeeds once; every later operation fails.
func (w *TransactionContextWrapper) ReadyTransaction(ctx context.Context, commitOnReady bool) *Future[ReadyResult] {
	w.mu.Lock()
	if err := w.stateErr(); err != nil {
		w.mu.Unlock()
		return failedFuture[ReadyResult](err)
	}
	w.ready = true
	w.mu.Unlock()

	if err := w.limiter.Acquire(ctx); err != nil {
		w.mu.Lock()
		w.ready = false
		w.mu.Unlock()
		w.Close()
		return failedFuture[ReadyResult](err)
	}

	result := newFuture[ReadyResult]()
	w.mu.Lock()
	w.executeLocked(func(tc TransactionContext) { tc.Ready(commitOnReady, result) })
	w.mu.Unlock()
	return result
}

// Close discards a transaction that was not readied: queued operations
// are dropped with their permits and the shard is told to forget it.
// After ReadyTransaction it does nothing.
func (w *TransactionContextWrapper) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ready || w.closed {
		return
	}
	w.closed = true
	if n := len(w.queue); n > 0 {
		w.queue = nil
		w.limiter.ReleaseN(n)
		w.log.Debug("dropped queued operations", slog.Int("count", n))
	}
	if w.tc != nil {
		w.tc.Close()
	}
}
