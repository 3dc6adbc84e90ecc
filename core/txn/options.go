package txn

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultOperationTimeout         = 5 * time.Second
	DefaultCommitTimeout            = 30 * time.Second
	DefaultBatchedModificationCount = 1000
	DefaultTxCreationRate           = 100
)

type Options struct {
	// Member is the cluster member the client runs on.
	Member   string
	Locator  Locator
	Strategy ShardStrategy
	// Context bounds the client's lifetime; requests in flight are
	// cancelled with it.
	Context context.Context
	Logger  *slog.Logger
	Metrics ClientMetrics

	// OperationTimeout bounds permit acquisition and leader resolution.
	OperationTimeout time.Duration

	// CommitTimeout bounds each commit phase of a cohort.
	CommitTimeout time.Duration

	// BatchedModificationCount is the number of modifications sent per
	// batch and sizes each transaction's operation limiter.
	BatchedModificationCount int

	// TxCreationRate limits new transactions per second; rate.Inf
	// disables it.
	TxCreationRate  rate.Limit
	TxCreationBurst int
}

func (o Options) withDefaults() Options {
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = NopClientMetrics()
	}
	if o.Strategy == nil {
		o.Strategy = SingleShard("default")
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = DefaultCommitTimeout
	}
	if o.BatchedModificationCount <= 0 {
		o.BatchedModificationCount = DefaultBatchedModificationCount
	}
	if o.TxCreationRate == 0 {
		o.TxCreationRate = DefaultTxCreationRate
	}
	if o.TxCreationBurst <= 0 {
		o.TxCreationBurst = 1
		if o.TxCreationRate != rate.Inf && o.TxCreationRate > 1 {
			o.TxCreationBurst = int(o.TxCreationRate)
		}
	}
	return o
}
