package txn

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/codewandler/shardtx/core/shard"
)

// Chain is a sequence of transactions sharing one history. Each
// transaction builds on the writes of its predecessor, which must be
// readied before the next one is opened.
type Chain struct {
	c       *Client
	history shard.HistoryIdentifier

	mu     sync.Mutex
	seq    uint64
	last   *Transaction
	closed bool
	shards map[string]struct{}
}

func (ch *Chain) History() shard.HistoryIdentifier { return ch.history }

func (ch *Chain) NewTransaction(ctx context.Context) (*Transaction, error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, ErrChainClosed
	}
	if ch.last != nil && ch.last.isOpen() {
		ch.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", shard.ErrPreviousNotReady, ch.last.ID())
	}
	ch.mu.Unlock()

	if err := ch.c.admit(ctx); err != nil {
		return nil, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, ErrChainClosed
	}
	ch.seq++
	t := newTransaction(ch.c, shard.NewTransactionIdentifier(ch.history, ch.seq), ch)
	ch.last = t
	return t, nil
}

func (ch *Chain) touched(shardName string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.shards[shardName] = struct{}{}
}

// Close closes the chain on every shard it touched. An open transaction is
// discarded.
func (ch *Chain) Close(ctx context.Context) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	last := ch.last
	names := make([]string, 0, len(ch.shards))
	for name := range ch.shards {
		names = append(names, name)
	}
	ch.mu.Unlock()

	if last != nil {
		last.Close()
	}
	slices.Sort(names)

	var errs []error
	for _, name := range names {
		ref, err := ch.c.route(ctx, name)
		if err == nil {
			_, err = shard.AskAs[shard.CloseTransactionChainReply](ctx, ref, func(r shard.Replier) any {
				return shard.CloseTransactionChain{History: ch.history, ReplyTo: r}
			})
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("close chain on shard %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
