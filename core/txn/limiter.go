package txn

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/codewandler/shardtx/core/shard"
)

// OperationLimiter bounds the operations of one transaction that were sent
// to a shard and not yet acknowledged. It holds batchSize+1 permits; the
// extra one is reserved for the ready message.
type OperationLimiter struct {
	id      shard.TransactionIdentifier
	sem     *semaphore.Weighted
	size    int64
	timeout time.Duration
	held    atomic.Int64
}

func NewOperationLimiter(id shard.TransactionIdentifier, batchSize int, timeout time.Duration) *OperationLimiter {
	if batchSize < 1 {
		batchSize = 1
	}
	size := int64(batchSize) + 1
	return &OperationLimiter{
		id:      id,
		sem:     semaphore.NewWeighted(size),
		size:    size,
		timeout: timeout,
	}
}

// Acquire takes one permit, waiting at most the operation timeout.
func (l *OperationLimiter) Acquire(ctx context.Context) error { return l.AcquireN(ctx, 1) }

// AcquireN takes n permits at once. When they do not become available
// within the operation timeout it fails with a timeout error and holds
// nothing.
func (l *OperationLimiter) AcquireN(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if int64(n) > l.size {
		return fmt.Errorf("acquire %d of %d: %w", n, l.size, ErrTooManyPermits)
	}
	actx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.sem.Acquire(actx, int64(n)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &shard.TxError{
			Kind:  shard.KindTimeout,
			TxID:  l.id,
			Cause: fmt.Errorf("%w: no operation permit within %s", shard.ErrTimeout, l.timeout),
		}
	}
	l.held.Add(int64(n))
	return nil
}

// Release returns one permit.
func (l *OperationLimiter) Release() { l.ReleaseN(1) }

// ReleaseN returns n permits atomically, as when a reply acknowledges a
// whole batch. Permits that were never acquired are not returned; the
// number actually released is reported.
func (l *OperationLimiter) ReleaseN(n int) int {
	if n <= 0 {
		return 0
	}
	for {
		held := l.held.Load()
		k := min(int64(n), held)
		if k == 0 {
			return 0
		}
		if l.held.CompareAndSwap(held, held-k) {
			l.sem.Release(k)
			return int(k)
		}
	}
}

// Available is the number of permits that can be acquired right now.
func (l *OperationLimiter) Available() int { return int(l.size - l.held.Load()) }

// Outstanding is the number of permits currently held.
func (l *OperationLimiter) Outstanding() int { return int(l.held.Load()) }

func (l *OperationLimiter) Size() int { return int(l.size) }
