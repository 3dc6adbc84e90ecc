package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codewandler/shardtx/core/shard"
)

// CommitHandle coordinates the three-phase commit of a transaction across
// the cohorts of every shard it touched.
type CommitHandle struct {
	id      shard.TransactionIdentifier
	cohorts []*CohortProxy
	log     *slog.Logger
	metrics ClientMetrics
}

func (h *CommitHandle) TransactionID() shard.TransactionIdentifier { return h.id }
func (h *CommitHandle) Cohorts() []*CohortProxy                   { return h.cohorts }

func (h *CommitHandle) each(ctx context.Context, phase string, fn func(*CohortProxy, context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range h.cohorts {
		g.Go(func() error {
			if err := fn(c, gctx); err != nil {
				return fmt.Errorf("%s on %s: %w", phase, c.Cohort(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (h *CommitHandle) CanCommit(ctx context.Context) error {
	return h.each(ctx, "canCommit", (*CohortProxy).CanCommit)
}

func (h *CommitHandle) PreCommit(ctx context.Context) error {
	return h.each(ctx, "preCommit", (*CohortProxy).PreCommit)
}

func (h *CommitHandle) Commit(ctx context.Context) error {
	return h.each(ctx, "commit", (*CohortProxy).Commit)
}

// Abort aborts every cohort, reporting all failures.
func (h *CommitHandle) Abort(ctx context.Context) error {
	errs := make([]error, len(h.cohorts))
	g := errgroup.Group{}
	for i, c := range h.cohorts {
		g.Go(func() error {
			if err := c.Abort(ctx); err != nil {
				errs[i] = fmt.Errorf("abort on %s: %w", c.Cohort(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Execute runs canCommit, preCommit and commit on all cohorts. A failure
// before commit aborts every cohort.
func (h *CommitHandle) Execute(ctx context.Context) error {
	timer := h.metrics.CommitDuration()
	start := time.Now()

	abort := func(cause error) error {
		if err := h.Abort(context.WithoutCancel(ctx)); err != nil {
			h.log.Warn("abort after failed commit", slog.Any("error", err))
		}
		h.metrics.TransactionCompleted("aborted")
		return cause
	}
	if err := h.CanCommit(ctx); err != nil {
		return abort(err)
	}
	if err := h.PreCommit(ctx); err != nil {
		return abort(err)
	}
	if err := h.Commit(ctx); err != nil {
		h.metrics.TransactionCompleted("failed")
		return err
	}
	timer.ObserveDuration()
	h.metrics.TransactionCompleted("committed")
	h.log.Debug("transaction committed", slog.Int("cohorts", len(h.cohorts)), slog.Duration("took", time.Since(start)))
	return nil
}
