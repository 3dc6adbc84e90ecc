package shard

import (
	"fmt"

	"github.com/codewandler/shardtx/core/datatree"
)

type chainState uint8

const (
	chainOpen chainState = iota
	chainFailed
	chainClosed
)

// transactionChain orders the transactions of one history. Each new
// transaction is built on the state left by the previous ready one, even
// before that one commits.
type transactionChain struct {
	id      HistoryIdentifier
	state   chainState
	failure error

	// open is the transaction currently receiving modifications.
	open *readWriteTransaction
	// previous is the last readied transaction not yet committed.
	previous *readWriteTransaction
	// inflight holds readied transactions awaiting commit.
	inflight map[TransactionIdentifier]struct{}
}

func newTransactionChain(id HistoryIdentifier) *transactionChain {
	return &transactionChain{id: id, inflight: map[TransactionIdentifier]struct{}{}}
}

func (c *transactionChain) usable() error {
	switch c.state {
	case chainFailed:
		return fmt.Errorf("%w: %s: %w", ErrChainBroken, c.id, c.failure)
	case chainClosed:
		return fmt.Errorf("%w: %s", ErrChainClosed, c.id)
	}
	return nil
}

func (c *transactionChain) newTransaction(id TransactionIdentifier, tree *datatree.Tree) (*readWriteTransaction, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if c.open != nil && c.open.id != id {
		return nil, fmt.Errorf("%w: %s is still open", ErrPreviousNotReady, c.open.id)
	}

	base := tree.Snapshot()
	if c.previous != nil {
		base = c.previous.mod.Snapshot()
	}
	tx := &readWriteTransaction{id: id, chain: c, mod: datatree.NewModification(base)}
	c.open = tx
	return tx, nil
}

func (c *transactionChain) onReady(tx *readWriteTransaction) {
	if c.open == tx {
		c.open = nil
	}
	c.previous = tx
	c.inflight[tx.id] = struct{}{}
}

// onClosed drops an open transaction that was never readied.
func (c *transactionChain) onClosed(tx *readWriteTransaction) {
	if c.open == tx {
		c.open = nil
	}
}

// clearTransaction is the commit-success callback of a chained cohort.
func (c *transactionChain) clearTransaction(id TransactionIdentifier) {
	delete(c.inflight, id)
	if c.previous != nil && c.previous.id == id {
		c.previous = nil
	}
}

// fail breaks the chain; every later transaction fails with ErrChainBroken.
func (c *transactionChain) fail(cause error) {
	if c.state == chainFailed {
		return
	}
	c.state = chainFailed
	c.failure = cause
}

func (c *transactionChain) close() {
	if c.state == chainOpen {
		c.state = chainClosed
	}
}

func (c *transactionChain) idle() bool { return c.open == nil && len(c.inflight) == 0 }
