package txn

import (
	"context"
	"errors"
	"time"

	"github.com/codewandler/shardtx/core/shard"
)

// CohortProxy drives the three-phase commit of one transaction on the
// leader that readied it.
type CohortProxy struct {
	id      shard.TransactionIdentifier
	cohort  shard.ShardIdentity
	ref     shard.Ref
	timeout time.Duration
}

func newCohortProxy(id shard.TransactionIdentifier, cohort shard.ShardIdentity, ref shard.Ref, timeout time.Duration) *CohortProxy {
	return &CohortProxy{id: id, cohort: cohort, ref: ref, timeout: timeout}
}

func (p *CohortProxy) TransactionID() shard.TransactionIdentifier { return p.id }

// Cohort is the replica that acknowledged ready.
func (p *CohortProxy) Cohort() shard.ShardIdentity { return p.cohort }

func (p *CohortProxy) CanCommit(ctx context.Context) error {
	rep, err := cohortAsk[shard.CanCommitTransactionReply](ctx, p, func(r shard.Replier) any {
		return shard.CanCommitTransaction{TxID: p.id, ReplyTo: r}
	})
	if err != nil {
		return err
	}
	if !rep.CanCommit {
		return &shard.TxError{Kind: shard.KindValidation, TxID: p.id, Shard: p.cohort, Cause: ErrCommitRejected}
	}
	return nil
}

func (p *CohortProxy) PreCommit(ctx context.Context) error {
	_, err := cohortAsk[shard.PreCommitTransactionReply](ctx, p, func(r shard.Replier) any {
		return shard.PreCommitTransaction{TxID: p.id, ReplyTo: r}
	})
	return err
}

func (p *CohortProxy) Commit(ctx context.Context) error {
	_, err := cohortAsk[shard.CommitTransactionReply](ctx, p, func(r shard.Replier) any {
		return shard.CommitTransaction{TxID: p.id, ReplyTo: r}
	})
	return err
}

func (p *CohortProxy) Abort(ctx context.Context) error {
	_, err := cohortAsk[shard.AbortTransactionReply](ctx, p, func(r shard.Replier) any {
		return shard.AbortTransaction{TxID: p.id, ReplyTo: r}
	})
	return err
}

func cohortAsk[T any](ctx context.Context, p *CohortProxy, build func(shard.Replier) any) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	rep, err := shard.AskAs[T](ctx, p.ref, build)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var zero T
		return zero, &shard.TxError{Kind: shard.KindTimeout, TxID: p.id, Shard: p.cohort, Cause: shard.ErrTimeout}
	}
	return rep, err
}
