package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/codewandler/shardtx/core/sf"
	"github.com/codewandler/shardtx/core/shard"
)

// Client opens transactions against the shards of a data store.
type Client struct {
	opts     Options
	log      *slog.Logger
	frontend shard.FrontendIdentifier
	rate     *rate.Limiter
	locate   sf.Group[shard.Ref]

	histories atomic.Uint64
	seq       atomic.Uint64

	mu      sync.RWMutex
	leaders map[string]shard.Ref
}

func New(opts Options) (*Client, error) {
	if opts.Locator == nil {
		return nil, errors.New("txn: Options.Locator is required")
	}
	opts = opts.withDefaults()
	frontend := shard.NewFrontendIdentifier(opts.Member)
	return &Client{
		opts:     opts,
		log:      opts.Logger.With(slog.String("frontend", string(frontend))),
		frontend: frontend,
		rate:     rate.NewLimiter(opts.TxCreationRate, opts.TxCreationBurst),
		leaders:  map[string]shard.Ref{},
	}, nil
}

func (c *Client) Frontend() shard.FrontendIdentifier { return c.frontend }

// NewTransaction opens a standalone read-write transaction. It waits for
// the creation rate limit.
func (c *Client) NewTransaction(ctx context.Context) (*Transaction, error) {
	if err := c.admit(ctx); err != nil {
		return nil, err
	}
	id := shard.NewTransactionIdentifier(shard.HistoryIdentifier{Frontend: c.frontend}, c.seq.Add(1))
	return newTransaction(c, id, nil), nil
}

// NewChain opens a transaction chain. Transactions of a chain see the
// writes of their readied predecessors and commit in order.
func (c *Client) NewChain() *Chain {
	h := shard.HistoryIdentifier{Frontend: c.frontend, History: c.histories.Add(1)}
	c.log.Debug("chain opened", slog.String("history", h.String()))
	return &Chain{c: c, history: h, shards: map[string]struct{}{}}
}

func (c *Client) admit(ctx context.Context) error {
	if err := c.opts.Context.Err(); err != nil {
		return ErrClientClosed
	}
	if err := c.rate.Wait(ctx); err != nil {
		return fmt.Errorf("transaction rate limit: %w", err)
	}
	c.opts.Metrics.TransactionStarted()
	return nil
}

func (c *Client) newLimiter(id shard.TransactionIdentifier) *OperationLimiter {
	return NewOperationLimiter(id, c.opts.BatchedModificationCount, c.opts.OperationTimeout)
}

// route returns the cached leader of shardName, or a replica found by the
// locator. Concurrent lookups of one shard share a single locator call.
func (c *Client) route(ctx context.Context, shardName string) (shard.Ref, error) {
	c.mu.RLock()
	ref, ok := c.leaders[shardName]
	c.mu.RUnlock()
	if ok {
		return ref, nil
	}
	return c.locate.Do(shardName, func() (shard.Ref, error) {
		return c.opts.Locator.Locate(ctx, shardName)
	})
}

func (c *Client) remember(shardName string, leader shard.Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaders[shardName] = leader
}

func (c *Client) forget(shardName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.leaders, shardName)
	c.locate.Forget(shardName)
}

// resolve creates the transaction on the leader of shardName and binds w to
// it. Role errors are retried until the operation timeout; once resolution
// gives up, every operation of w fails with the cause.
func (c *Client) resolve(id shard.TransactionIdentifier, shardName string, w *TransactionContextWrapper) {
	leader, err := c.createOnLeader(id, shardName)
	c.opts.Metrics.LeaderResolved(shardName, err == nil)
	if err != nil {
		c.log.Warn("transaction not created", slog.String("tx", id.String()), slog.String("shard", shardName), slog.Any("error", err))
		w.SetTransactionContext(newNoOpContext(err, w.Limiter()))
		return
	}
	w.SetTransactionContext(newRemoteContext(id, leader, w.Limiter(), remoteContextOptions{
		ctx:           c.opts.Context,
		batchSize:     c.opts.BatchedModificationCount,
		timeout:       c.opts.OperationTimeout,
		commitTimeout: c.opts.CommitTimeout,
		log:           c.log,
	}))
}

func (c *Client) createOnLeader(id shard.TransactionIdentifier, shardName string) (shard.Ref, error) {
	ctx, cancel := context.WithTimeout(c.opts.Context, c.opts.OperationTimeout)
	defer cancel()

	backoff := 10 * time.Millisecond
	for {
		ref, err := c.route(ctx, shardName)
		if err == nil {
			var rep shard.CreateTransactionReply
			rep, err = shard.AskAs[shard.CreateTransactionReply](ctx, ref, func(r shard.Replier) any {
				return shard.CreateTransaction{TxID: id, Type: shard.ReadWrite, ReplyTo: r}
			})
			if err == nil {
				leader := rep.Ref
				if leader == nil {
					leader = ref
				}
				c.remember(shardName, leader)
				return leader, nil
			}
		}
		if !shard.IsRetriable(err) && !errors.Is(err, ErrNoReplica) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		c.forget(shardName)

		select {
		case <-ctx.Done():
			return nil, &shard.TxError{
				Kind:  shard.KindTimeout,
				TxID:  id,
				Cause: fmt.Errorf("%w: no leader for shard %s: %w", shard.ErrTimeout, shardName, err),
			}
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, 500*time.Millisecond)
	}
}
