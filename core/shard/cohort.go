package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/shardtx/core/datatree"
)

// ExternalCohort is a validation hook taking part in the commit of every
// transaction touching its subtree.
type ExternalCohort interface {
	CanCommit(ctx context.Context, txID TransactionIdentifier, ops []datatree.Op) error
	PreCommit(ctx context.Context, txID TransactionIdentifier, candidate *datatree.Candidate) error
	Commit(ctx context.Context, txID TransactionIdentifier) error
	Abort(ctx context.Context, txID TransactionIdentifier) error
}

// CohortRegistration binds an ExternalCohort to a subtree.
type CohortRegistration struct {
	Path   datatree.Path
	Cohort ExternalCohort
}

// CommitCohort drives one transaction through three-phase commit.
// CanCommit and PreCommit may run outside the shard loop; Commit and Abort
// run on it.
type CommitCohort interface {
	TransactionID() TransactionIdentifier
	CanCommit(ctx context.Context) error
	PreCommit(ctx context.Context) (*datatree.Candidate, error)
	Commit(ctx context.Context, candidate *datatree.Candidate) error
	Abort(ctx context.Context, cause error) error
}

type simpleCohort struct {
	tx       *readWriteTransaction
	tree     *datatree.Tree
	external []ExternalCohort
	log      *slog.Logger
}

func newSimpleCohort(tx *readWriteTransaction, tree *datatree.Tree, regs []CohortRegistration, log *slog.Logger) *simpleCohort {
	c := &simpleCohort{tx: tx, tree: tree, log: log}
	for _, r := range regs {
		if touches(tx.mod.Ops(), r.Path) {
			c.external = append(c.external, r.Cohort)
		}
	}
	return c
}

func touches(ops []datatree.Op, p datatree.Path) bool {
	for _, op := range ops {
		if p.Contains(op.Path) || op.Path.Contains(p) {
			return true
		}
	}
	return false
}

func (c *simpleCohort) TransactionID() TransactionIdentifier { return c.tx.id }

func (c *simpleCohort) CanCommit(ctx context.Context) error {
	if err := c.tree.Validate(c.tx.mod); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	for _, ext := range c.external {
		if err := ext.CanCommit(ctx, c.tx.id, c.tx.mod.Ops()); err != nil {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	return nil
}

func (c *simpleCohort) PreCommit(ctx context.Context) (*datatree.Candidate, error) {
	cand, err := c.tree.Prepare(c.tx.mod)
	if err != nil {
		return nil, err
	}
	for _, ext := range c.external {
		if err := ext.PreCommit(ctx, c.tx.id, cand); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	return cand, nil
}

func (c *simpleCohort) Commit(ctx context.Context, candidate *datatree.Candidate) error {
	if err := c.tree.Commit(candidate); err != nil {
		return err
	}
	// the change is visible at this point; hook failures cannot undo it
	for _, ext := range c.external {
		if err := ext.Commit(ctx, c.tx.id); err != nil {
			c.log.Warn("external cohort commit failed", slog.String("tx", c.tx.id.String()), slog.Any("error", err))
		}
	}
	return nil
}

func (c *simpleCohort) Abort(ctx context.Context, _ error) error {
	var errs []error
	for _, ext := range c.external {
		errs = append(errs, ext.Abort(ctx, c.tx.id))
	}
	return errors.Join(errs...)
}

// chainedCohort commits a transaction of a chain. Its predecessor's
// record is cleared only once its own commit succeeded; any failure
// breaks the chain.
type chainedCohort struct {
	*simpleCohort
	chain *transactionChain
}

func newChainedCohort(inner *simpleCohort, chain *transactionChain) *chainedCohort {
	return &chainedCohort{simpleCohort: inner, chain: chain}
}

// checkChain runs on the loop before CanCommit is scheduled.
func (c *chainedCohort) checkChain() error {
	if c.chain.state == chainFailed {
		return fmt.Errorf("%w: %s: %w", ErrChainBroken, c.chain.id, c.chain.failure)
	}
	return nil
}

func (c *chainedCohort) Commit(ctx context.Context, candidate *datatree.Candidate) error {
	if err := c.simpleCohort.Commit(ctx, candidate); err != nil {
		c.chain.fail(err)
		return err
	}
	c.chain.clearTransaction(c.tx.id)
	return nil
}

func (c *chainedCohort) Abort(ctx context.Context, cause error) error {
	c.chain.fail(cause)
	return c.simpleCohort.Abort(ctx, cause)
}

var (
	_ CommitCohort = (*simpleCohort)(nil)
	_ CommitCohort = (*chainedCohort)(nil)
)
