package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codewandler/shardtx/core/datatree"
	"github.com/codewandler/shardtx/core/shard"
)

type txState uint8

const (
	txOpen txState = iota
	txReady
	txClosed
)

// Transaction is a client-side read-write transaction. Operations are
// routed by path to the shards owning them, with one context wrapper per
// shard.
type Transaction struct {
	c     *Client
	id    shard.TransactionIdentifier
	chain *Chain
	log   *slog.Logger

	mu       sync.Mutex
	state    txState
	wrappers map[string]*TransactionContextWrapper
	order    []string
}

func newTransaction(c *Client, id shard.TransactionIdentifier, chain *Chain) *Transaction {
	return &Transaction{
		c:        c,
		id:       id,
		chain:    chain,
		log:      c.log.With(slog.String("tx", id.String())),
		wrappers: map[string]*TransactionContextWrapper{},
	}
}

func (t *Transaction) ID() shard.TransactionIdentifier { return t.id }

func (t *Transaction) isOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == txOpen
}

// wrapper returns the wrapper of the shard owning p, starting leader
// resolution for shards seen the first time.
func (t *Transaction) wrapper(p datatree.Path) (*TransactionContextWrapper, error) {
	name := t.c.opts.Strategy(p)

	t.mu.Lock()
	switch t.state {
	case txReady:
		t.mu.Unlock()
		return nil, ErrTransactionReady
	case txClosed:
		t.mu.Unlock()
		return nil, ErrTransactionClosed
	}
	if w, ok := t.wrappers[name]; ok {
		t.mu.Unlock()
		return w, nil
	}
	w := NewTransactionContextWrapper(t.id, name, t.c.newLimiter(t.id), t.log)
	t.wrappers[name] = w
	t.order = append(t.order, name)
	t.mu.Unlock()

	if t.chain != nil {
		t.chain.touched(name)
	}
	go t.c.resolve(t.id, name, w)
	return w, nil
}

func (t *Transaction) modify(ctx context.Context, op datatree.Op) error {
	w, err := t.wrapper(op.Path)
	if err != nil {
		return err
	}
	if err := w.MaybeExecuteTransactionOperation(ctx, func(tc TransactionContext) { tc.Modify(op) }); err != nil {
		if errors.Is(err, shard.ErrTimeout) {
			t.c.opts.Metrics.OperationThrottled(w.Shard())
		}
		return err
	}
	return nil
}

func (t *Transaction) Write(ctx context.Context, p datatree.Path, value []byte) error {
	return t.modify(ctx, datatree.Op{Type: datatree.ModWrite, Path: p, Value: value})
}

func (t *Transaction) Merge(ctx context.Context, p datatree.Path, value []byte) error {
	return t.modify(ctx, datatree.Op{Type: datatree.ModMerge, Path: p, Value: value})
}

func (t *Transaction) Delete(ctx context.Context, p datatree.Path) error {
	return t.modify(ctx, datatree.Op{Type: datatree.ModDelete, Path: p})
}

// Read returns the value at p as seen by this transaction, including its
// own writes.
func (t *Transaction) Read(ctx context.Context, p datatree.Path) ([]byte, bool, error) {
	w, err := t.wrapper(p)
	if err != nil {
		return nil, false, err
	}
	result := newFuture[ReadResult]()
	if err := w.MaybeExecuteTransactionOperation(ctx, func(tc TransactionContext) { tc.Read(p, result) }); err != nil {
		return nil, false, err
	}
	r, err := result.Get(ctx)
	if err != nil {
		return nil, false, err
	}
	return r.Value, r.Exists, nil
}

func (t *Transaction) seal() ([]*TransactionContextWrapper, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case txReady:
		return nil, ErrTransactionReady
	case txClosed:
		return nil, ErrTransactionClosed
	}
	t.state = txReady
	ws := make([]*TransactionContextWrapper, 0, len(t.order))
	for _, name := range t.order {
		ws = append(ws, t.wrappers[name])
	}
	return ws, nil
}

// Ready seals the transaction on every shard it touched and returns the
// handle that commits it. When any shard fails to ready, the others are
// aborted.
func (t *Transaction) Ready(ctx context.Context) (*CommitHandle, error) {
	ws, err := t.seal()
	if err != nil {
		return nil, err
	}
	return t.ready(ctx, ws)
}

func (t *Transaction) ready(ctx context.Context, ws []*TransactionContextWrapper) (*CommitHandle, error) {
	futures := make([]*Future[ReadyResult], len(ws))
	for i, w := range ws {
		futures[i] = w.ReadyTransaction(ctx, false)
	}
	h := &CommitHandle{id: t.id, log: t.log, metrics: t.c.opts.Metrics}
	var errs []error
	for i, f := range futures {
		r, err := f.Get(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("ready on shard %s: %w", ws[i].Shard(), err))
			continue
		}
		h.cohorts = append(h.cohorts, r.Cohort)
	}
	if err := errors.Join(errs...); err != nil {
		if aerr := h.Abort(context.WithoutCancel(ctx)); aerr != nil {
			t.log.Warn("abort after failed ready", slog.Any("error", aerr))
		}
		t.c.opts.Metrics.TransactionCompleted("aborted")
		return nil, err
	}
	return h, nil
}

// Submit readies and commits the transaction. A transaction on a single
// shard is committed in the same round trip as ready.
func (t *Transaction) Submit(ctx context.Context) error {
	ws, err := t.seal()
	if err != nil {
		return err
	}
	switch len(ws) {
	case 0:
		t.c.opts.Metrics.TransactionCompleted("committed")
		return nil
	case 1:
		timer := t.c.opts.Metrics.CommitDuration()
		r, err := ws[0].ReadyTransaction(ctx, true).Get(ctx)
		if err != nil {
			t.c.opts.Metrics.TransactionCompleted("aborted")
			return err
		}
		if !r.Committed {
			return fmt.Errorf("transaction %s readied without commit", t.id)
		}
		timer.ObserveDuration()
		t.c.opts.Metrics.TransactionCompleted("committed")
		return nil
	}
	h, err := t.ready(ctx, ws)
	if err != nil {
		return err
	}
	return h.Execute(ctx)
}

// Close discards the transaction unless it was readied.
func (t *Transaction) Close() {
	t.mu.Lock()
	if t.state != txOpen {
		t.mu.Unlock()
		return
	}
	t.state = txClosed
	ws := make([]*TransactionContextWrapper, 0, len(t.wrappers))
	for _, w := range t.wrappers {
		ws = append(ws, w)
	}
	t.mu.Unlock()

	for _, w := range ws {
		w.Close()
	}
}
